// Package domain provides core domain models and interfaces for the go-mmgbridge application
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/protocol"
)

// MessageHandler receives one inbound MQTT message.
type MessageHandler func(topic string, payload []byte)

// Publisher publishes raw payloads to a topic.
type Publisher interface {
	// Publish sends payload to topic and waits for the broker to accept it
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Transport is a single broker session shared by every component of the process.
type Transport interface {
	Publisher

	// Connect establishes the session and confirms every registered subscription
	Connect(ctx context.Context) error

	// Subscribe registers handler for topic; it is (re)applied on every connect
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// IsConnected reports whether the session is currently up
	IsConnected() bool

	// Close terminates the session
	Close() error
}

// RegisterClient reads and writes 16-bit registers of a Modbus device.
type RegisterClient interface {
	ReadHoldingRegisters(slaveID byte, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(slaveID byte, address, quantity uint16) ([]uint16, error)
	WriteSingleRegister(slaveID byte, address, value uint16) error
	WriteMultipleRegisters(slaveID byte, address uint16, values []uint16) error
	Close() error
}

// RegisterRange is a contiguous block of registers polled with one request.
type RegisterRange struct {
	Start    int    `mapstructure:"start" json:"start" yaml:"start"`
	Count    int    `mapstructure:"count" json:"count" yaml:"count"`
	Label    string `mapstructure:"label" json:"label,omitempty" yaml:"label,omitempty"`
	Function string `mapstructure:"function" json:"function,omitempty" yaml:"function,omitempty"`
}

// End returns the last register address of the range.
func (r RegisterRange) End() int {
	return r.Start + r.Count - 1
}

// Command returns the register command used to read the range. Holding registers by default.
func (r RegisterRange) Command() string {
	if r.Function == "" {
		return protocol.CommandReadHolding
	}
	return r.Function
}

// String returns the range as start-end.
func (r RegisterRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End())
}

// PollTarget is one device polled by the scheduler. It is read-only while polling.
type PollTarget struct {
	DeviceID string          `mapstructure:"device_id" json:"device_id" yaml:"device_id"`
	Ranges   []RegisterRange `mapstructure:"ranges" json:"ranges" yaml:"ranges"`
}

// PollResult is the outcome of one (device, range) request in a poll cycle.
type PollResult struct {
	Seq      uint64             `json:"seq"`
	DeviceID string             `json:"device_id"`
	Range    RegisterRange      `json:"range"`
	Cookie   protocol.Cookie    `json:"cookie"`
	Response *protocol.Response `json:"response,omitempty"`
	Err      error              `json:"-"`
	Error    string             `json:"error,omitempty"`
	At       time.Time          `json:"at"`
	Duration time.Duration      `json:"duration"`
}

// OK reports whether the request produced an OK response.
func (r *PollResult) OK() bool {
	return r.Err == nil && r.Response != nil && r.Response.OK()
}

// Registers maps register addresses to the values of a register response.
func (r *PollResult) Registers() map[int]int {
	if r.Response == nil {
		return nil
	}
	regs := make(map[int]int, len(r.Response.Values))
	for i, v := range r.Response.Values {
		regs[r.Range.Start+i] = v
	}
	return regs
}

// ResultSink receives poll results, e.g. an external time-series database.
type ResultSink interface {
	// Send stores one poll result
	Send(ctx context.Context, result *PollResult) error

	// Connect establishes a connection to the sink
	Connect() error

	// Close flushes and terminates the connection to the sink
	Close() error
}

// Registry keeps track of polled devices.
type Registry interface {
	// RecordPoll updates the device entry from a poll result
	RecordPoll(result *PollResult)

	// GetDevice retrieves information about a device
	GetDevice(id string) (*DeviceInfo, bool)

	// GetAllDevices returns information about all devices
	GetAllDevices() []*DeviceInfo
}

// DeviceInfo contains the polling history of one device.
type DeviceInfo struct {
	ID          string            `json:"id"`
	LastContact time.Time         `json:"last_contact"`
	LastPoll    time.Time         `json:"last_poll"`
	LastSeq     uint64            `json:"last_seq"`
	Polls       int64             `json:"polls"`
	Failures    int64             `json:"failures"`
	LastError   string            `json:"last_error,omitempty"`
	Registers   map[int]int       `json:"registers,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}
