// Command sim-responder answers bridge requests from an in-memory register
// bank, for bench testing the request/response protocol without hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/bridge"
	"github.com/resident-x/go-mmgbridge/internal/broker"
	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/modbus"
	"github.com/resident-x/go-mmgbridge/internal/parser"
	"github.com/resident-x/go-mmgbridge/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type options struct {
	mqtt           config.MQTTConfig
	slaveID        int
	layout         string
	embeddedBroker bool
}

// simulator is a running responder with its broker session.
type simulator struct {
	broker    *broker.Broker
	client    *pubsub.Client
	bank      *modbus.Bank
	responder *bridge.Responder
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("sim-responder", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "Path to configuration file (mqtt section is used)")
	host := flags.String("host", "", "MQTT broker host (overrides config)")
	port := flags.Int("port", 0, "MQTT broker port (overrides config)")
	slaveID := flags.Int("slave-id", 1, "Slave id the register bank answers for")
	layout := flags.String("layout", "", "Sensor layout JSON for named commands")
	embedded := flags.Bool("embedded-broker", false, "Run an MQTT broker on host:port")
	verbose := flags.Bool("verbose", false, "Enable debug logging")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if *host != "" {
		cfg.MQTT.Host = *host
	}
	if *port != 0 {
		cfg.MQTT.Port = *port
	}
	if *slaveID < 1 || *slaveID > 247 {
		log.Error().Int("slave_id", *slaveID).Msg("Slave id must be within 1-247")
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim, err := start(ctx, options{
		mqtt:           cfg.MQTT,
		slaveID:        *slaveID,
		layout:         *layout,
		embeddedBroker: *embedded,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to start simulator")
		return 1
	}
	defer sim.Close()

	log.Info().
		Str("request_topic", pubsub.ExpandTopic(cfg.MQTT.RequestTopic, cfg.MQTT.InstanceID)).
		Int("slave_id", *slaveID).
		Msg("Simulator ready: holding registers 0-9 and input registers 0-4 carry sample data")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	return 0
}

// start brings up the optional broker, the session and the responder.
func start(ctx context.Context, opts options) (*simulator, error) {
	sim := &simulator{bank: modbus.NewSampleBank(byte(opts.slaveID))}

	if opts.embeddedBroker {
		sim.broker = broker.New(opts.mqtt.Host, opts.mqtt.Port, log.Logger)
		if err := sim.broker.Start(); err != nil {
			return nil, err
		}
	}

	p, err := parser.NewParser()
	if err != nil {
		sim.Close()
		return nil, err
	}
	var layout *parser.Layout
	if opts.layout != "" {
		if layout, err = p.Layout(opts.layout); err != nil {
			sim.Close()
			return nil, fmt.Errorf("load layout: %w", err)
		}
	}

	sim.client = pubsub.NewClient(&opts.mqtt)
	sim.responder = bridge.New(sim.client, sim.bank, p, layout, &bridge.Config{
		RequestTopic:  pubsub.ExpandTopic(opts.mqtt.RequestTopic, opts.mqtt.InstanceID),
		ResponseTopic: pubsub.ExpandTopic(opts.mqtt.ResponseTopic, opts.mqtt.InstanceID),
		SlaveID:       opts.slaveID,
	}, log.Logger)

	if err := sim.responder.Start(ctx); err != nil {
		sim.Close()
		return nil, err
	}
	if err := sim.client.Connect(ctx); err != nil {
		sim.Close()
		return nil, err
	}
	return sim, nil
}

// Close disconnects the session and stops the embedded broker.
func (s *simulator) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close embedded broker")
		}
	}
}
