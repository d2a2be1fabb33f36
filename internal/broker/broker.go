// Package broker runs an embedded MQTT broker for standalone and bench setups
// where no external broker is available.
package broker

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

// Broker wraps a mochi MQTT server with a single TCP listener that accepts
// every client.
type Broker struct {
	server  *mqttserver.Server
	address string
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a broker listening on host:port once started.
func New(host string, port int, logger zerolog.Logger) *Broker {
	server := mqttserver.New(&mqttserver.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	// Allow all connections
	_ = server.AddHook(new(auth.AllowHook), nil)

	return &Broker{
		server:  server,
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		logger:  logger.With().Str("component", "broker").Logger(),
	}
}

// Address returns the listen address.
func (b *Broker) Address() string {
	return b.address
}

// Start binds the listener and serves clients in the background.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("broker is already running")
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: b.address})
	if err := b.server.AddListener(tcp); err != nil {
		return fmt.Errorf("listen on %s: %w", b.address, err)
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.logger.Error().Err(err).Msg("MQTT broker error")
		}
	}()

	b.running = true
	b.logger.Info().Str("address", b.address).Msg("Embedded MQTT broker started")
	return nil
}

// Close stops the broker and disconnects every client.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false

	if err := b.server.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	b.logger.Info().Msg("Embedded MQTT broker stopped")
	return nil
}
