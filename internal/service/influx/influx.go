// Package influx stores poll results in InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/rs/zerolog"
)

// NoopClient is a no-operation implementation of the ResultSink interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation InfluxDB client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.PollResult) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Config holds the InfluxDB v2 connection settings.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Client implements the ResultSink interface for InfluxDB.
type Client struct {
	config Config
	client influxdb2.Client
	writer api.WriteAPI
	logger zerolog.Logger
	mutex  sync.Mutex

	written int64
	failed  int64
}

// NewClient creates a new InfluxDB client. Nothing is sent until Connect.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Measurement == "" {
		cfg.Measurement = "modbus"
	}
	return &Client{
		config: cfg,
		logger: logger.With().Str("component", "influx").Logger(),
	}
}

// Connect creates the non-blocking write API.
func (c *Client) Connect() error {
	if c.config.URL == "" || c.config.Bucket == "" {
		return fmt.Errorf("InfluxDB url and/or bucket not configured")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client != nil {
		return nil
	}

	c.client = influxdb2.NewClient(c.config.URL, c.config.Token)
	c.writer = c.client.WriteAPI(c.config.Org, c.config.Bucket)

	errs := c.writer.Errors()
	go func() {
		for err := range errs {
			atomic.AddInt64(&c.failed, 1)
			c.logger.Error().Err(err).Msg("InfluxDB write failed")
		}
	}()

	c.logger.Info().
		Str("url", c.config.URL).
		Str("org", c.config.Org).
		Str("bucket", c.config.Bucket).
		Msg("InfluxDB writer ready")
	return nil
}

// Send queues one point per OK poll result. Failed results are ignored.
func (c *Client) Send(_ context.Context, result *domain.PollResult) error {
	if result == nil || !result.OK() {
		return nil
	}

	c.mutex.Lock()
	writer := c.writer
	c.mutex.Unlock()
	if writer == nil {
		return fmt.Errorf("InfluxDB client not connected")
	}

	writer.WritePoint(Point(c.config.Measurement, result))
	atomic.AddInt64(&c.written, 1)
	return nil
}

// Flush sends every queued point.
func (c *Client) Flush() {
	c.mutex.Lock()
	writer := c.writer
	c.mutex.Unlock()
	if writer != nil {
		writer.Flush()
	}
}

// Close flushes pending points and closes the client.
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client == nil {
		return nil
	}

	c.writer.Flush()
	c.client.Close()

	c.client, c.writer = nil, nil
	return nil
}

// GetMetrics returns write counters.
func (c *Client) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"written": atomic.LoadInt64(&c.written),
		"failed":  atomic.LoadInt64(&c.failed),
	}
}

// Point converts a poll result into a point. Register responses become
// r<address> integer fields; named responses keep their keys, as floats when
// numeric and strings otherwise.
func Point(measurement string, result *domain.PollResult) *write.Point {
	tags := map[string]string{
		"device": result.DeviceID,
		"range":  result.Range.String(),
	}
	if result.Range.Label != "" {
		tags["label"] = result.Range.Label
	}

	fields := make(map[string]interface{})
	if len(result.Response.Fields) > 0 {
		for _, f := range result.Response.Fields {
			if v, err := strconv.ParseFloat(f.Value, 64); err == nil {
				fields[f.Key] = v
			} else {
				fields[f.Key] = f.Value
			}
		}
	} else {
		for addr, v := range result.Registers() {
			fields["r"+strconv.Itoa(addr)] = v
		}
	}

	return influxdb2.NewPoint(measurement, tags, fields, result.At)
}
