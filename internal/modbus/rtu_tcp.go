package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sigurn/crc16"
)

// ErrCRC is returned when a response frame fails the CRC check.
var ErrCRC = errors.New("crc mismatch")

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// rtuOverTCP carries RTU frames over a plain TCP socket, as spoken by
// serial-to-Ethernet converters. Callers serialize Send.
type rtuOverTCP struct {
	address string
	timeout time.Duration
	dial    func(network, address string, timeout time.Duration) (net.Conn, error)
	conn    net.Conn
}

func newRTUOverTCP(address string, timeout time.Duration) *rtuOverTCP {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &rtuOverTCP{address: address, timeout: timeout, dial: net.DialTimeout}
}

// Connect dials the converter unless already connected.
func (t *rtuOverTCP) Connect() error {
	if t.conn != nil {
		return nil
	}
	conn, err := t.dial("tcp", t.address, t.timeout)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// Close closes the socket.
func (t *rtuOverTCP) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Send writes one request frame and reads the matching response frame.
// Any transport error drops the connection so the next request redials.
func (t *rtuOverTCP) Send(aduRequest []byte) ([]byte, error) {
	if err := t.Connect(); err != nil {
		return nil, fmt.Errorf("rtu_tcp dial %s: %w", t.address, err)
	}

	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		_ = t.Close()
		return nil, err
	}
	if _, err := t.conn.Write(aduRequest); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("rtu_tcp write: %w", err)
	}

	frame, err := readFrame(t.conn)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("rtu_tcp read: %w", err)
	}
	return frame, nil
}

// readFrame reads one RTU response frame, sizing it from the function code.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var size int
	function := header[1]
	switch {
	case function&0x80 != 0:
		size = 5
	case function >= 1 && function <= 4:
		size = 3 + int(header[2]) + 2
	case function == 5 || function == 6 || function == 15 || function == 16:
		size = 8
	default:
		return nil, fmt.Errorf("unsupported function code %d in response", function)
	}

	frame := make([]byte, size)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[3:]); err != nil {
		return nil, err
	}

	if !checkCRC(frame) {
		return nil, ErrCRC
	}
	return frame, nil
}

// appendCRC appends the CRC-16/MODBUS of frame, low byte first.
func appendCRC(frame []byte) []byte {
	return binary.LittleEndian.AppendUint16(frame, crc16.Checksum(frame, crcTable))
}

func checkCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	n := len(frame) - 2
	return crc16.Checksum(frame[:n], crcTable) == binary.LittleEndian.Uint16(frame[n:])
}
