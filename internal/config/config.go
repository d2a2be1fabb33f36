// Package config provides configuration management for the go-mmgbridge application.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// MinPollInterval is the shortest poll interval the poller accepts.
const MinPollInterval = 5 * time.Second

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Correlator CorrelatorConfig `mapstructure:"correlator"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`

	// Embedded broker settings
	Broker struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"broker"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// InfluxDB settings
	Influx struct {
		Enabled     bool   `mapstructure:"enabled"`
		URL         string `mapstructure:"url"`
		Token       string `mapstructure:"token"`
		Org         string `mapstructure:"org"`
		Bucket      string `mapstructure:"bucket"`
		Measurement string `mapstructure:"measurement"`
	} `mapstructure:"influx"`
}

// MQTTConfig holds the broker session and topic settings.
type MQTTConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	Keepalive    int    `mapstructure:"keepalive"`
	QoS          int    `mapstructure:"qos"`
	Retain       bool   `mapstructure:"retain"`
	CleanSession bool   `mapstructure:"clean_session"`

	TLS          bool   `mapstructure:"tls"`
	TLSVersion   string `mapstructure:"tls_version"`
	CACertPath   string `mapstructure:"ca_cert_path"`
	CertPath     string `mapstructure:"cert_path"`
	KeyPath      string `mapstructure:"key_path"`
	VerifyCACert bool   `mapstructure:"verify_ca_cert"`

	RequestTopic  string `mapstructure:"request_topic"`
	ResponseTopic string `mapstructure:"response_topic"`
	// InstanceID replaces the {id} placeholder in both topics.
	InstanceID string `mapstructure:"instance_id"`

	// OpenMMGConfig is an optional openmmg UCI file whose "config mqtt" options override these settings.
	OpenMMGConfig string `mapstructure:"openmmg_config"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// CorrelatorConfig holds request correlation settings.
type CorrelatorConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// PollerConfig holds the periodic poller settings.
type PollerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	// AutoDiscover derives a target from the bridge layout when no targets are configured.
	AutoDiscover bool                `mapstructure:"auto_discover"`
	DeviceID     string              `mapstructure:"device_id"`
	Targets      []domain.PollTarget `mapstructure:"targets"`
	// PublishTopic receives the republished poll results; empty means mqtt.response_topic.
	PublishTopic string `mapstructure:"publish_topic"`
}

// BridgeConfig holds the Modbus backend used to answer requests.
type BridgeConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Backend  string        `mapstructure:"backend"`
	Address  string        `mapstructure:"address"`
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baudrate"`
	Parity   string        `mapstructure:"parity"`
	DataBits int           `mapstructure:"data_bits"`
	StopBits int           `mapstructure:"stop_bits"`
	SlaveID  int           `mapstructure:"slave_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Layout is a sensor layout JSON file; empty selects the built-in GoodWe ET layout.
	Layout string `mapstructure:"layout"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default MQTT settings
	cfg.MQTT.Host = "127.0.0.1"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Keepalive = 60
	cfg.MQTT.QoS = 0
	cfg.MQTT.CleanSession = true
	cfg.MQTT.TLSVersion = "tlsv1.2"
	cfg.MQTT.VerifyCACert = true
	cfg.MQTT.RequestTopic = "modbus/request"
	cfg.MQTT.ResponseTopic = "modbus/response"
	cfg.MQTT.ConnectTimeout = 10 * time.Second

	cfg.Correlator.Timeout = 5 * time.Second

	// Default poller settings
	cfg.Poller.Enabled = false
	cfg.Poller.Interval = 30 * time.Second
	cfg.Poller.Timeout = 5 * time.Second
	cfg.Poller.AutoDiscover = true
	cfg.Poller.DeviceID = "0"

	// Default bridge settings
	cfg.Bridge.Enabled = false
	cfg.Bridge.Backend = "tcp"
	cfg.Bridge.Address = "127.0.0.1:502"
	cfg.Bridge.BaudRate = 9600
	cfg.Bridge.Parity = "none"
	cfg.Bridge.DataBits = 8
	cfg.Bridge.StopBits = 1
	cfg.Bridge.SlaveID = 1
	cfg.Bridge.Timeout = 3 * time.Second

	// Default embedded broker settings
	cfg.Broker.Enabled = false
	cfg.Broker.Host = "0.0.0.0"
	cfg.Broker.Port = 1883

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default InfluxDB settings
	cfg.Influx.Enabled = false
	cfg.Influx.URL = "http://localhost:8086"
	cfg.Influx.Measurement = "modbus"

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/mmgbridge")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Info().Msg("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables, e.g. MMG_MQTT_HOST
	v.SetEnvPrefix("MMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.MQTT.OpenMMGConfig != "" {
		if err := cfg.applyOpenMMGFile(cfg.MQTT.OpenMMGConfig); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// envKeys are bound explicitly so they can be set without a config file.
var envKeys = []string{
	"log_level",
	"mqtt.host", "mqtt.port", "mqtt.username", "mqtt.password", "mqtt.client_id",
	"mqtt.request_topic", "mqtt.response_topic", "mqtt.instance_id", "mqtt.openmmg_config",
	"poller.enabled", "poller.interval",
	"bridge.enabled", "bridge.backend", "bridge.address", "bridge.device",
	"broker.enabled", "api.enabled", "api.port",
	"influx.enabled", "influx.url", "influx.token", "influx.org", "influx.bucket",
}

// applyOpenMMGFile overrides broker settings from an openmmg config file.
// A missing file is not an error.
func (c *Config) applyOpenMMGFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("openmmg config not found, keeping MQTT settings")
			return nil
		}
		return fmt.Errorf("open openmmg config: %w", err)
	}
	defer f.Close()

	mmg, err := ParseOpenMMG(f)
	if err != nil {
		return fmt.Errorf("parse openmmg config %s: %w", path, err)
	}
	return c.ApplyOpenMMG(mmg)
}

// ApplyOpenMMG copies the options of the "config mqtt" section over the MQTT settings.
func (c *Config) ApplyOpenMMG(mmg *OpenMMG) error {
	for _, opt := range mmg.MQTT {
		if err := c.MQTT.setOption(opt.Name, opt.Value); err != nil {
			return fmt.Errorf("openmmg option %s: %w", opt.Name, err)
		}
	}
	return nil
}

func (m *MQTTConfig) setOption(name, value string) error {
	var err error
	switch name {
	case "host":
		m.Host = value
	case "port":
		m.Port, err = strconv.Atoi(value)
	case "username":
		m.Username = value
	case "password":
		m.Password = value
	case "client_id":
		m.ClientID = value
	case "keepalive":
		m.Keepalive, err = strconv.Atoi(value)
	case "qos":
		m.QoS, err = strconv.Atoi(value)
	case "retain":
		m.Retain, err = strconv.ParseBool(value)
	case "clean_session":
		m.CleanSession, err = strconv.ParseBool(value)
	case "tls_version":
		m.TLSVersion = value
		m.TLS = value != ""
	case "ca_cert_path":
		m.CACertPath = value
	case "cert_path":
		m.CertPath = value
	case "key_path":
		m.KeyPath = value
	case "verify_ca_cert":
		m.VerifyCACert, err = strconv.ParseBool(value)
	case "request_topic":
		m.RequestTopic = value
	case "response_topic":
		m.ResponseTopic = value
	default:
		// mqtt_protocol and other gateway-only options
		log.Debug().Str("option", name).Msg("Ignoring openmmg option")
	}
	return err
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-mmgbridge Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("host", c.MQTT.Host).
		Int("port", c.MQTT.Port).
		Str("client_id", c.MQTT.ClientID).
		Bool("tls", c.MQTT.TLS).
		Str("request_topic", c.MQTT.RequestTopic).
		Str("response_topic", c.MQTT.ResponseTopic).
		Str("instance_id", c.MQTT.InstanceID).
		Msg("MQTT Configuration")

	logger.Info().Dur("timeout", c.Correlator.Timeout).Msg("Correlator")

	logger.Info().Bool("enabled", c.Poller.Enabled).Msg("Poller Enabled")
	if c.Poller.Enabled {
		logger.Info().
			Dur("interval", c.Poller.Interval).
			Dur("timeout", c.Poller.Timeout).
			Int("max_concurrent", c.Poller.MaxConcurrent).
			Int("targets", len(c.Poller.Targets)).
			Msg("Poller Configuration")
	}

	logger.Info().Bool("enabled", c.Bridge.Enabled).Msg("Bridge Enabled")
	if c.Bridge.Enabled {
		logger.Info().
			Str("backend", c.Bridge.Backend).
			Str("address", c.Bridge.Address).
			Str("device", c.Bridge.Device).
			Int("slave_id", c.Bridge.SlaveID).
			Msg("Bridge Configuration")
	}

	logger.Info().Bool("enabled", c.Broker.Enabled).Msg("Embedded Broker Enabled")
	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.Influx.Enabled).Msg("InfluxDB Enabled")
	if c.Influx.Enabled {
		logger.Info().
			Str("url", c.Influx.URL).
			Str("bucket", c.Influx.Bucket).
			Msg("InfluxDB Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
