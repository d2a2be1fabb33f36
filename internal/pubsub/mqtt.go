// Package pubsub provides the MQTT session shared by the correlator, the
// poller and the bridge responder.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	publishTimeout       = 5 * time.Second
	subscribeTimeout     = 5 * time.Second
	maxReconnectInterval = 60 * time.Second
)

// ErrNotConnected is returned when publishing without a broker session.
var ErrNotConnected = errors.New("mqtt: not connected")

// ExpandTopic substitutes the {id} placeholder of a topic.
func ExpandTopic(topic, id string) string {
	return strings.ReplaceAll(topic, "{id}", id)
}

type subscription struct {
	topic   string
	handler domain.MessageHandler
}

// Client implements domain.Transport on top of paho.
type Client struct {
	config        *config.MQTTConfig
	client        mqtt.Client
	clientFactory func(*config.MQTTConfig, *Client) (mqtt.Client, error) // Factory function for creating MQTT clients (testable)
	logger        zerolog.Logger

	mu        sync.RWMutex
	subs      []subscription
	connected bool
	connects  int64

	published  int64
	received   int64
	reconnects int64
}

// NewClient creates a transport for cfg. Nothing is dialed until Connect.
func NewClient(cfg *config.MQTTConfig) *Client {
	return &Client{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
	}
}

// NewClientWithMQTT creates a transport around an existing paho client (for testing).
func NewClientWithMQTT(cfg *config.MQTTConfig, client mqtt.Client) *Client {
	c := NewClient(cfg)
	c.client = client
	return c
}

// NewClientOptions builds the paho options for cfg.
func NewClientOptions(cfg *config.MQTTConfig) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("go-mmgbridge-%d", time.Now().UnixNano())
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))).
		SetClientID(clientID).
		SetKeepAlive(time.Duration(cfg.Keepalive) * time.Second).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		tlsConfig, err := NewTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.MQTTConfig, c *Client) (mqtt.Client, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		atomic.AddInt64(&c.reconnects, 1)
		c.logger.Info().Msg("Reconnecting to MQTT broker")
	})
	return mqtt.NewClient(opts), nil
}

// Connect establishes the broker session and waits until every registered
// subscription is acknowledged.
func (c *Client) Connect(ctx context.Context) error {
	if c.client == nil {
		client, err := c.clientFactory(c.config, c)
		if err != nil {
			return fmt.Errorf("failed to create MQTT client: %w", err)
		}
		c.client = client
	}

	timeout := c.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connToken := c.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after %s", timeout)
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	c.setConnected(true)
	c.logger.Info().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Bool("tls", c.config.TLS).
		Msg("MQTT connection established")

	for _, sub := range c.subscriptions() {
		if err := c.subscribe(ctx, sub); err != nil {
			return err
		}
	}

	return nil
}

// onConnect runs on paho's goroutine after every (re)connect. The first
// connect is handled by Connect itself.
func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connects++
	first := c.connects == 1
	c.connected = true
	c.mu.Unlock()

	if first {
		return
	}

	c.logger.Info().Msg("MQTT connection re-established, restoring subscriptions")
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	for _, sub := range c.subscriptions() {
		if err := c.subscribe(ctx, sub); err != nil {
			c.logger.Error().Err(err).Str("topic", sub.topic).Msg("Failed to restore subscription")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.setConnected(false)
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Subscribe registers handler for topic. When connected the subscription is
// applied immediately, otherwise on the next Connect.
func (c *Client) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) error {
	sub := subscription{topic: topic, handler: handler}

	c.mu.Lock()
	replaced := false
	for i := range c.subs {
		if c.subs[i].topic == topic {
			c.subs[i] = sub
			replaced = true
		}
	}
	if !replaced {
		c.subs = append(c.subs, sub)
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.subscribe(ctx, sub)
}

func (c *Client) subscribe(ctx context.Context, sub subscription) error {
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		atomic.AddInt64(&c.received, 1)
		sub.handler(msg.Topic(), msg.Payload())
	}

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	token := c.client.Subscribe(sub.topic, byte(c.config.QoS), callback)

	select {
	case <-subCtx.Done():
		return fmt.Errorf("subscribe %s: timeout waiting for SUBACK", sub.topic)
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, token.Error())
		}
	}

	c.logger.Debug().Str("topic", sub.topic).Int("qos", c.config.QoS).Msg("Subscribed")
	return nil
}

// Publish sends payload to topic with the configured QoS and retain flag.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after %s", publishTimeout)
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	atomic.AddInt64(&c.published, 1)
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close terminates the connection to the MQTT broker.
func (c *Client) Close() error {
	if c.client != nil && c.IsConnected() {
		c.client.Disconnect(250)
		c.setConnected(false)
	}
	return nil
}

// GetMetrics returns session counters.
func (c *Client) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	subs := len(c.subs)
	connected := c.connected
	c.mu.RUnlock()

	return map[string]interface{}{
		"connected":     connected,
		"subscriptions": subs,
		"published":     atomic.LoadInt64(&c.published),
		"received":      atomic.LoadInt64(&c.received),
		"reconnects":    atomic.LoadInt64(&c.reconnects),
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) subscriptions() []subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]subscription(nil), c.subs...)
}
