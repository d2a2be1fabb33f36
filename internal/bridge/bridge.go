// Package bridge answers gateway requests from a local Modbus device, playing
// the role of the serial gateway on the far side of the broker.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/parser"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// maxReadCount is the Modbus limit for one register read.
	maxReadCount = 125
	// maxWriteCount is the Modbus limit for one multiple register write.
	maxWriteCount = 123
)

// Transport is the part of the broker session the responder needs.
type Transport interface {
	domain.Publisher
	Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) error
}

// Config holds configuration for the responder.
type Config struct {
	RequestTopic  string
	ResponseTopic string
	// SlaveID is the unit id used for target "0".
	SlaveID int
}

// DefaultConfig returns a default responder configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTopic:  "modbus/request",
		ResponseTopic: "modbus/response",
		SlaveID:       1,
	}
}

// Responder reads requests from the request topic, executes them against a
// RegisterClient and publishes one response line per request.
type Responder struct {
	transport Transport
	client    domain.RegisterClient
	parser    *parser.Parser
	layout    *parser.Layout
	config    *Config
	logger    zerolog.Logger

	// One request at a time per backend.
	mu sync.Mutex

	handled int64
	failed  int64
}

// New creates a responder. layout may be nil, in which case named commands
// are answered with an error.
func New(transport Transport, client domain.RegisterClient, p *parser.Parser, layout *parser.Layout, cfg *Config, logger zerolog.Logger) *Responder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Responder{
		transport: transport,
		client:    client,
		parser:    p,
		layout:    layout,
		config:    cfg,
		logger:    logger.With().Str("component", "bridge").Logger(),
	}
}

// Start subscribes to the request topic.
func (r *Responder) Start(ctx context.Context) error {
	if err := r.transport.Subscribe(ctx, r.config.RequestTopic, r.handleMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	r.logger.Info().
		Str("request_topic", r.config.RequestTopic).
		Str("response_topic", r.config.ResponseTopic).
		Int("slave_id", r.config.SlaveID).
		Msg("Bridge responder started")
	return nil
}

func (r *Responder) handleMessage(_ string, payload []byte) {
	reply := r.Handle(string(payload))
	if err := r.transport.Publish(context.Background(), r.config.ResponseTopic, []byte(reply)); err != nil {
		r.logger.Error().Err(err).Str("response", reply).Msg("Failed to publish response")
	}
}

// Handle executes one request line and returns the response line.
func (r *Responder) Handle(line string) string {
	line = strings.TrimSpace(line)
	r.logger.Info().Str("request", line).Msg("Request")

	r.mu.Lock()
	reply := r.handle(line)
	r.mu.Unlock()

	atomic.AddInt64(&r.handled, 1)
	if f := strings.Fields(reply); len(f) > 1 && f[1] == string(protocol.StatusErr) {
		atomic.AddInt64(&r.failed, 1)
	}
	r.logger.Info().Str("response", reply).Msg("Response")
	return reply
}

func (r *Responder) handle(line string) string {
	parts := strings.Fields(line)

	req, err := protocol.ParseRequest(line)
	if err != nil {
		cookie := protocol.Cookie("0")
		if len(parts) > 0 {
			cookie = protocol.Cookie(parts[0])
		}
		return protocol.FormatError(cookie, "invalid format: need COOKIE TARGET COMMAND")
	}

	slave, err := r.slaveID(req.TargetID)
	if err != nil {
		return protocol.FormatError(req.Cookie, err.Error())
	}

	if protocol.IsRegisterCommand(req.Command) {
		return r.handleRegisters(req, slave)
	}
	return r.handleNamed(req, slave)
}

func (r *Responder) slaveID(target string) (byte, error) {
	if target == "0" {
		return byte(r.config.SlaveID), nil
	}
	id, err := strconv.Atoi(target)
	if err != nil || id < 1 || id > 247 {
		return 0, fmt.Errorf("invalid target id %s", target)
	}
	return byte(id), nil
}

func (r *Responder) handleRegisters(req *protocol.Request, slave byte) string {
	if len(req.Args) < 2 {
		return protocol.FormatError(req.Cookie, "invalid format: need COOKIE TARGET FUNC REG COUNT")
	}

	nums := make([]int, len(req.Args))
	for i, a := range req.Args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 || n > 0xFFFF {
			return protocol.FormatError(req.Cookie, "invalid numeric values")
		}
		nums[i] = n
	}
	reg, count, values := uint16(nums[0]), nums[1], nums[2:]

	switch req.Command {
	case protocol.CommandReadHolding, protocol.CommandReadInput:
		if count < 1 || count > maxReadCount {
			return protocol.FormatError(req.Cookie, fmt.Sprintf("invalid register count %d", count))
		}
		read := r.client.ReadHoldingRegisters
		if req.Command == protocol.CommandReadInput {
			read = r.client.ReadInputRegisters
		}
		regs, err := read(slave, reg, uint16(count))
		if err != nil {
			return protocol.FormatError(req.Cookie, err.Error())
		}
		out := make([]int, len(regs))
		for i, v := range regs {
			out[i] = int(v)
		}
		return protocol.FormatOK(req.Cookie, out)

	case protocol.CommandWriteSingle:
		if len(values) < 1 {
			return protocol.FormatError(req.Cookie, "missing write value")
		}
		if err := r.client.WriteSingleRegister(slave, reg, uint16(values[0])); err != nil {
			return protocol.FormatError(req.Cookie, err.Error())
		}
		return protocol.FormatOK(req.Cookie, nil)

	default:
		if len(values) < 1 {
			return protocol.FormatError(req.Cookie, "missing write values")
		}
		if len(values) != count || count > maxWriteCount {
			return protocol.FormatError(req.Cookie, fmt.Sprintf("write count %d does not match %d values", count, len(values)))
		}
		regs := make([]uint16, len(values))
		for i, v := range values {
			regs[i] = uint16(v)
		}
		if err := r.client.WriteMultipleRegisters(slave, reg, regs); err != nil {
			return protocol.FormatError(req.Cookie, err.Error())
		}
		return protocol.FormatOK(req.Cookie, nil)
	}
}

func (r *Responder) handleNamed(req *protocol.Request, slave byte) string {
	if protocol.KindOf(req.Command) != protocol.KindFields {
		return protocol.FormatError(req.Cookie, "unsupported function "+req.Command)
	}
	if r.layout == nil || r.parser == nil {
		return protocol.FormatError(req.Cookie, "no sensor layout configured")
	}

	var groups []*parser.Group
	if req.Command == protocol.CommandAll {
		for i := range r.layout.Groups {
			groups = append(groups, &r.layout.Groups[i])
		}
	} else {
		g, ok := r.layout.Group(req.Command)
		if !ok {
			return protocol.FormatError(req.Cookie, "unsupported function "+req.Command)
		}
		groups = append(groups, g)
	}

	read := func(function string, start, count int) ([]uint16, error) {
		if function == protocol.CommandReadInput {
			return r.client.ReadInputRegisters(slave, uint16(start), uint16(count))
		}
		return r.client.ReadHoldingRegisters(slave, uint16(start), uint16(count))
	}

	var fields []protocol.Field
	for _, g := range groups {
		f, err := r.parser.DecodeGroup(g, read)
		if err != nil {
			return protocol.FormatError(req.Cookie, err.Error())
		}
		fields = append(fields, f...)
	}
	return protocol.FormatFields(req.Cookie, fields)
}

// GetMetrics returns responder counters.
func (r *Responder) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"handled": atomic.LoadInt64(&r.handled),
		"failed":  atomic.LoadInt64(&r.failed),
	}
}
