package modbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goburrow/modbus"
)

// BankSize is the number of holding and input registers in a Bank.
const BankSize = 100

// Bank is an in-memory domain.RegisterClient answering for a single slave.
// Out of range addresses fail with the Modbus illegal data address exception.
type Bank struct {
	mu      sync.RWMutex
	slaveID byte
	holding [BankSize]uint16
	input   [BankSize]uint16

	reads  int64
	writes int64
}

// NewBank creates an empty bank for slaveID.
func NewBank(slaveID byte) *Bank {
	return &Bank{slaveID: slaveID}
}

// NewSampleBank returns a bank loaded with bench sample readings: holding
// registers 0-9 and input registers 0-4.
func NewSampleBank(slaveID byte) *Bank {
	b := NewBank(slaveID)
	copy(b.holding[:], []uint16{100, 550, 1013, 2400, 150, 3600, 50, 1234, 5678, 1})
	copy(b.input[:], []uint16{251, 623, 1015, 4096, 42})
	return b
}

// SlaveID returns the slave the bank answers for.
func (b *Bank) SlaveID() byte {
	return b.slaveID
}

func (b *Bank) ReadHoldingRegisters(slaveID byte, address, quantity uint16) ([]uint16, error) {
	return b.read(slaveID, modbus.FuncCodeReadHoldingRegisters, b.holding[:], address, quantity)
}

func (b *Bank) ReadInputRegisters(slaveID byte, address, quantity uint16) ([]uint16, error) {
	return b.read(slaveID, modbus.FuncCodeReadInputRegisters, b.input[:], address, quantity)
}

func (b *Bank) WriteSingleRegister(slaveID byte, address, value uint16) error {
	return b.WriteMultipleRegisters(slaveID, address, []uint16{value})
}

func (b *Bank) WriteMultipleRegisters(slaveID byte, address uint16, values []uint16) error {
	fn := byte(modbus.FuncCodeWriteMultipleRegisters)
	if len(values) == 1 {
		fn = modbus.FuncCodeWriteSingleRegister
	}
	if err := b.check(slaveID, fn, address, len(values)); err != nil {
		return err
	}

	b.mu.Lock()
	copy(b.holding[address:], values)
	b.mu.Unlock()
	atomic.AddInt64(&b.writes, 1)
	return nil
}

// Close implements domain.RegisterClient.
func (b *Bank) Close() error {
	return nil
}

func (b *Bank) read(slaveID, fn byte, regs []uint16, address, quantity uint16) ([]uint16, error) {
	if err := b.check(slaveID, fn, address, int(quantity)); err != nil {
		return nil, err
	}

	b.mu.RLock()
	out := append([]uint16(nil), regs[address:int(address)+int(quantity)]...)
	b.mu.RUnlock()
	atomic.AddInt64(&b.reads, 1)
	return out, nil
}

func (b *Bank) check(slaveID, fn byte, address uint16, quantity int) error {
	if slaveID != b.slaveID {
		return fmt.Errorf("no response from slave %d", slaveID)
	}
	if quantity == 0 {
		return &modbus.ModbusError{FunctionCode: fn, ExceptionCode: modbus.ExceptionCodeIllegalDataValue}
	}
	if int(address)+quantity > BankSize {
		return &modbus.ModbusError{FunctionCode: fn, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}
	}
	return nil
}

// GetMetrics returns bank counters.
func (b *Bank) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"backend":  "memory",
		"slave_id": b.slaveID,
		"reads":    atomic.LoadInt64(&b.reads),
		"writes":   atomic.LoadInt64(&b.writes),
	}
}
