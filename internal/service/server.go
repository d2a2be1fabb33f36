// Package service wires the bridge components into one running process.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/api"
	"github.com/resident-x/go-mmgbridge/internal/bridge"
	"github.com/resident-x/go-mmgbridge/internal/broker"
	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/correlator"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/modbus"
	"github.com/resident-x/go-mmgbridge/internal/parser"
	"github.com/resident-x/go-mmgbridge/internal/pubsub"
	"github.com/resident-x/go-mmgbridge/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type metricsSource interface {
	GetMetrics() map[string]interface{}
}

type connector interface {
	Connect() error
}

// Option customizes a BridgeServer.
type Option func(*BridgeServer)

// WithRegisterClient answers bridge requests from client instead of a
// backend built from the bridge config.
func WithRegisterClient(client domain.RegisterClient) Option {
	return func(s *BridgeServer) {
		s.registerClient = client
	}
}

// BridgeServer owns the broker session and every component using it.
type BridgeServer struct {
	config         *config.Config
	requestTopic   string
	responseTopic  string
	broker         *broker.Broker
	transport      domain.Transport
	correlator     *correlator.Correlator
	poller         *scheduler.Poller
	responder      *bridge.Responder
	registerClient domain.RegisterClient
	apiServer      *api.Server
	results        *api.ResultStore
	metrics        *api.Metrics
	sink           domain.ResultSink
	registry       *domain.DeviceRegistry
	logger         zerolog.Logger
	startTime      time.Time
}

// NewBridgeServer creates the components described by cfg around transport.
// sink receives every poll result; it may be nil.
func NewBridgeServer(cfg *config.Config, transport domain.Transport, sink domain.ResultSink, opts ...Option) (*BridgeServer, error) {
	logger := log.With().Str("component", "server").Logger()

	s := &BridgeServer{
		config:        cfg,
		requestTopic:  pubsub.ExpandTopic(cfg.MQTT.RequestTopic, cfg.MQTT.InstanceID),
		responseTopic: pubsub.ExpandTopic(cfg.MQTT.ResponseTopic, cfg.MQTT.InstanceID),
		transport:     transport,
		sink:          sink,
		registry:      domain.NewDeviceRegistry(),
		metrics:       api.NewMetrics(),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Broker.Enabled {
		s.broker = broker.New(cfg.Broker.Host, cfg.Broker.Port, log.Logger)
	}

	s.correlator = correlator.New(transport, &correlator.Config{
		RequestTopic:   s.requestTopic,
		DefaultTimeout: cfg.Correlator.Timeout,
	}, log.Logger)
	s.correlator.SetMetrics(s.metrics)

	p, err := parser.NewParser()
	if err != nil {
		return nil, err
	}

	if cfg.Bridge.Enabled {
		if err := s.setupBridge(p); err != nil {
			return nil, err
		}
	}

	if cfg.Poller.Enabled {
		if err := s.setupPoller(p); err != nil {
			return nil, err
		}
	}

	if cfg.API.Enabled {
		s.setupAPI()
	}

	return s, nil
}

func (s *BridgeServer) setupBridge(p *parser.Parser) error {
	if s.registerClient == nil {
		client, err := modbus.New(s.config.Bridge)
		if err != nil {
			return fmt.Errorf("create modbus backend: %w", err)
		}
		s.registerClient = client
	}

	layout, err := p.Layout(s.config.Bridge.Layout)
	if err != nil {
		return fmt.Errorf("load bridge layout: %w", err)
	}

	s.responder = bridge.New(s.transport, s.registerClient, p, layout, &bridge.Config{
		RequestTopic:  s.requestTopic,
		ResponseTopic: s.responseTopic,
		SlaveID:       s.config.Bridge.SlaveID,
	}, log.Logger)
	return nil
}

func (s *BridgeServer) setupPoller(p *parser.Parser) error {
	targets, err := PollTargets(s.config, p)
	if err != nil {
		return err
	}

	publishTopic := s.config.Poller.PublishTopic
	if publishTopic == "" {
		publishTopic = s.responseTopic
	}

	s.poller = scheduler.NewPoller(s.correlator, s.transport, targets, &scheduler.PollerConfig{
		Interval:      s.config.Poller.Interval,
		Timeout:       s.config.Poller.Timeout,
		MaxConcurrent: s.config.Poller.MaxConcurrent,
		PublishTopic:  pubsub.ExpandTopic(publishTopic, s.config.MQTT.InstanceID),
	}, log.Logger)

	s.poller.SetRegistry(s.registry)
	s.poller.OnCycle(s.metrics.ObserveCycle)

	s.results = api.NewResultStore(log.Logger)
	s.poller.AddSink(s.results)
	if s.sink != nil {
		s.poller.AddSink(s.sink)
	}
	return nil
}

func (s *BridgeServer) setupAPI() {
	s.apiServer = api.NewServer(s.config, s.registry, s.correlator, s.results, s.metrics)
	s.apiServer.AddStatusSource("server", s.GetMetrics)
	if m, ok := s.transport.(metricsSource); ok {
		s.apiServer.AddStatusSource("mqtt", m.GetMetrics)
	}
	if s.poller != nil {
		s.apiServer.AddStatusSource("poller", s.poller.GetMetrics)
	}
	if s.responder != nil {
		s.apiServer.AddStatusSource("bridge", s.responder.GetMetrics)
	}
	if m, ok := s.registerClient.(metricsSource); ok {
		s.apiServer.AddStatusSource("modbus", m.GetMetrics)
	}
	if m, ok := s.sink.(metricsSource); ok {
		s.apiServer.AddStatusSource("influx", m.GetMetrics)
	}
}

// PollTargets returns the configured poll targets. Without any, and with
// auto discovery on, one target covering the bridge layout is derived.
func PollTargets(cfg *config.Config, p *parser.Parser) ([]domain.PollTarget, error) {
	if len(cfg.Poller.Targets) > 0 || !cfg.Poller.AutoDiscover {
		return cfg.Poller.Targets, nil
	}

	layout, err := p.Layout(cfg.Bridge.Layout)
	if err != nil {
		return nil, fmt.Errorf("load poll layout: %w", err)
	}

	deviceID := cfg.Poller.DeviceID
	if deviceID == "" {
		deviceID = "0"
	}
	return []domain.PollTarget{{DeviceID: deviceID, Ranges: parser.DiscoverRanges(layout)}}, nil
}

// Start brings the components up: embedded broker, sink, bridge backend,
// broker session with every subscription confirmed, poller and API.
func (s *BridgeServer) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if s.broker != nil {
		if err := s.broker.Start(); err != nil {
			return fmt.Errorf("failed to start embedded broker: %w", err)
		}
	}

	if s.sink != nil {
		if err := s.sink.Connect(); err != nil {
			return fmt.Errorf("failed to connect result sink: %w", err)
		}
	}

	if s.responder != nil {
		if c, ok := s.registerClient.(connector); ok {
			if err := c.Connect(); err != nil {
				// The backend dials again on the first request.
				s.logger.Warn().Err(err).Msg("Modbus backend not reachable yet")
			}
		}
		if err := s.responder.Start(ctx); err != nil {
			return err
		}
	}

	handler := func(_ string, payload []byte) { s.correlator.HandleMessage(payload) }
	if err := s.transport.Subscribe(ctx, s.responseTopic, handler); err != nil {
		return fmt.Errorf("subscribe to responses: %w", err)
	}

	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	s.logger.Info().
		Str("request_topic", s.requestTopic).
		Str("response_topic", s.responseTopic).
		Bool("bridge", s.responder != nil).
		Bool("poller", s.poller != nil).
		Msg("Server started")

	if s.poller != nil {
		if err := s.poller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down all server components.
func (s *BridgeServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	if s.poller != nil {
		if err := s.poller.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop poller")
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := s.transport.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close MQTT session")
	}

	if s.registerClient != nil {
		if err := s.registerClient.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close modbus backend")
		}
	}

	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close result sink")
		}
	}

	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close embedded broker")
		}
	}

	return nil
}

// Correlator returns the correlator shared by the poller and the API.
func (s *BridgeServer) Correlator() *correlator.Correlator {
	return s.correlator
}

// Poller returns the poller, or nil when polling is disabled.
func (s *BridgeServer) Poller() *scheduler.Poller {
	return s.poller
}

// Registry returns the device registry fed by the poller.
func (s *BridgeServer) Registry() domain.Registry {
	return s.registry
}

// Metrics returns the Prometheus collectors.
func (s *BridgeServer) Metrics() *api.Metrics {
	return s.metrics
}

// GetMetrics returns server metrics.
func (s *BridgeServer) GetMetrics() map[string]interface{} {
	metrics := map[string]interface{}{
		"uptime":         time.Since(s.startTime).Seconds(),
		"start_time":     s.startTime,
		"request_topic":  s.requestTopic,
		"response_topic": s.responseTopic,
		"connected":      s.transport.IsConnected(),
		"pending":        s.correlator.Pending(),
		"devices":        len(s.registry.GetAllDevices()),
	}
	return metrics
}
