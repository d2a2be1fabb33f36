// Package modbus provides the register backends the bridge answers requests with.
package modbus

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backend names accepted in bridge.backend.
const (
	BackendTCP    = "tcp"
	BackendRTU    = "rtu"
	BackendRTUTCP = "rtu_tcp"
)

type connector interface {
	Connect() error
	Close() error
}

// Client is a domain.RegisterClient backed by goburrow/modbus. Requests are
// serialized because the slave id lives on the shared handler.
type Client struct {
	mu       sync.Mutex
	backend  string
	conn     connector
	client   modbus.Client
	setSlave func(byte)

	logger   zerolog.Logger
	requests int64
	failures int64
}

// New creates a client for the configured backend. The connection is opened
// lazily by the first request or explicitly with Connect.
func New(cfg config.BridgeConfig) (*Client, error) {
	c := &Client{
		backend: cfg.Backend,
		logger:  log.With().Str("component", "modbus").Str("backend", cfg.Backend).Logger(),
	}
	slave := byte(cfg.SlaveID)

	switch cfg.Backend {
	case BackendTCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("modbus %s: address required", cfg.Backend)
		}
		h := modbus.NewTCPClientHandler(cfg.Address)
		h.Timeout = cfg.Timeout
		h.SlaveId = slave
		c.conn = h
		c.client = modbus.NewClient(h)
		c.setSlave = func(id byte) { h.SlaveId = id }

	case BackendRTU:
		if cfg.Device == "" {
			return nil, fmt.Errorf("modbus %s: device required", cfg.Backend)
		}
		h := modbus.NewRTUClientHandler(cfg.Device)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.StopBits = cfg.StopBits
		h.Parity = parityCode(cfg.Parity)
		h.Timeout = cfg.Timeout
		h.SlaveId = slave
		c.conn = h
		c.client = modbus.NewClient(h)
		c.setSlave = func(id byte) { h.SlaveId = id }

	case BackendRTUTCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("modbus %s: address required", cfg.Backend)
		}
		// The RTU handler only frames requests; bytes go over the TCP socket.
		packager := modbus.NewRTUClientHandler("")
		packager.SlaveId = slave
		transport := newRTUOverTCP(cfg.Address, cfg.Timeout)
		c.conn = transport
		c.client = modbus.NewClient2(packager, transport)
		c.setSlave = func(id byte) { packager.SlaveId = id }

	default:
		return nil, fmt.Errorf("unknown modbus backend %q", cfg.Backend)
	}

	return c, nil
}

// Connect opens the underlying connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("modbus %s connect: %w", c.backend, err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// ReadHoldingRegisters reads quantity holding registers (function 3).
func (c *Client) ReadHoldingRegisters(slaveID byte, address, quantity uint16) ([]uint16, error) {
	return c.read(slaveID, address, quantity, c.client.ReadHoldingRegisters)
}

// ReadInputRegisters reads quantity input registers (function 4).
func (c *Client) ReadInputRegisters(slaveID byte, address, quantity uint16) ([]uint16, error) {
	return c.read(slaveID, address, quantity, c.client.ReadInputRegisters)
}

func (c *Client) read(slaveID byte, address, quantity uint16, fn func(address, quantity uint16) ([]byte, error)) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setSlave(slaveID)
	atomic.AddInt64(&c.requests, 1)

	data, err := fn(address, quantity)
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
		c.logger.Debug().Err(err).Uint8("slave", slaveID).Uint16("address", address).Uint16("quantity", quantity).Msg("Read failed")
		return nil, err
	}
	return bytesToU16(data), nil
}

// WriteSingleRegister writes one holding register (function 6).
func (c *Client) WriteSingleRegister(slaveID byte, address, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setSlave(slaveID)
	atomic.AddInt64(&c.requests, 1)

	if _, err := c.client.WriteSingleRegister(address, value); err != nil {
		atomic.AddInt64(&c.failures, 1)
		return err
	}
	return nil
}

// WriteMultipleRegisters writes consecutive holding registers (function 16).
func (c *Client) WriteMultipleRegisters(slaveID byte, address uint16, values []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setSlave(slaveID)
	atomic.AddInt64(&c.requests, 1)

	if _, err := c.client.WriteMultipleRegisters(address, uint16(len(values)), packRegisters(values)); err != nil {
		atomic.AddInt64(&c.failures, 1)
		return err
	}
	return nil
}

// GetMetrics returns request counters.
func (c *Client) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"backend":  c.backend,
		"requests": atomic.LoadInt64(&c.requests),
		"failures": atomic.LoadInt64(&c.failures),
	}
}

// parityCode maps config parity names to the serial package codes.
func parityCode(parity string) string {
	switch strings.ToLower(parity) {
	case "even", "e":
		return "E"
	case "odd", "o":
		return "O"
	default:
		return "N"
	}
}

func bytesToU16(b []byte) []uint16 {
	n := len(b) / 2
	res := make([]uint16, n)
	for i := 0; i < n; i++ {
		res[i] = binary.BigEndian.Uint16(b[i*2 : i*2+2])
	}
	return res
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}
