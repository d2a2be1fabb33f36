package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("request timed out")

// EncodingError reports a request that cannot be put on the wire.
// It is returned before anything is published.
type EncodingError struct {
	Field  string // cookie, target_id, command or arg[n]
	Value  string
	Reason string
}

// Error implements the error interface.
func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s %q: %s", e.Field, e.Value, e.Reason)
}

// DecodeError reports a malformed line received on the wire.
type DecodeError struct {
	Line   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Line, e.Reason)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RemoteError carries the message of an ERR response.
type RemoteError struct {
	Cookie  Cookie
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error for cookie %s: %s", e.Cookie, e.Message)
}

// TimeoutError is returned when no matching response arrived in time.
type TimeoutError struct {
	Cookie  Cookie
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response for cookie %s within %s", e.Cookie, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) work for timeout errors.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
