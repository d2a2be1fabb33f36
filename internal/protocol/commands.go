// Package protocol implements the textual request/response format exchanged with
// openmmg-style Modbus gateways and the GoodWe bridge over MQTT.
//
// A request is one line of space separated tokens:
//
//	<cookie> <target_id> <command> [arg ...]
//
// and a response is either "<cookie> OK [value ...]" or "<cookie> ERR <message>".
// There is no escaping, so no token may contain whitespace.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Register oriented commands (Modbus function codes).
const (
	CommandReadHolding   = "3"
	CommandReadInput     = "4"
	CommandWriteSingle   = "6"
	CommandWriteMultiple = "16"
)

// Named sensor commands answered with key=value pairs.
const (
	CommandInfo     = "info"
	CommandPV       = "pv"
	CommandBattery  = "battery"
	CommandGrid     = "grid"
	CommandEnergy   = "energy"
	CommandSystem   = "system"
	CommandSettings = "settings"
	CommandAll      = "all"
)

const pollCookiePrefix = "poll_"

// Kind tells the decoder how to interpret the values of an OK response.
type Kind int

const (
	// KindAuto sniffs the payload: key=value pairs if the first value has a '='.
	KindAuto Kind = iota
	// KindRegisters is a list of raw integers.
	KindRegisters
	// KindFields is a list of key=value pairs.
	KindFields
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindRegisters:
		return "registers"
	case KindFields:
		return "fields"
	default:
		return "unknown"
	}
}

var commandKinds = map[string]Kind{
	CommandReadHolding:   KindRegisters,
	CommandReadInput:     KindRegisters,
	CommandWriteSingle:   KindRegisters,
	CommandWriteMultiple: KindRegisters,
	CommandInfo:          KindFields,
	CommandPV:            KindFields,
	CommandBattery:       KindFields,
	CommandGrid:          KindFields,
	CommandEnergy:        KindFields,
	CommandSystem:        KindFields,
	CommandSettings:      KindFields,
	CommandAll:           KindFields,
}

// KindOf returns the response kind produced by command, or KindAuto for
// commands this package does not know.
func KindOf(command string) Kind {
	if k, ok := commandKinds[command]; ok {
		return k
	}
	return KindAuto
}

// IsRegisterCommand reports whether command is one of the Modbus function codes.
func IsRegisterCommand(command string) bool {
	switch command {
	case CommandReadHolding, CommandReadInput, CommandWriteSingle, CommandWriteMultiple:
		return true
	}
	return false
}

// NamedCommands returns the named sensor commands in their canonical order.
func NamedCommands() []string {
	return []string{
		CommandInfo, CommandPV, CommandBattery, CommandGrid,
		CommandEnergy, CommandSystem, CommandSettings, CommandAll,
	}
}

// Cookie correlates a response with the request that caused it.
// Valid cookies are decimal integers or poll cookies of the form
// poll_<seq>_<device_id>_<start_register>.
type Cookie string

// IntCookie returns the cookie for a numeric correlation id.
func IntCookie(n uint64) Cookie {
	return Cookie(strconv.FormatUint(n, 10))
}

// PollCookie returns the synthesized cookie used by the poller.
func PollCookie(seq uint64, deviceID string, startRegister int) Cookie {
	return Cookie(fmt.Sprintf("%s%d_%s_%d", pollCookiePrefix, seq, deviceID, startRegister))
}

// ParseCookie validates a cookie token. Integer cookies are returned in
// canonical decimal form, so "099001" and "99001" are the same cookie.
func ParseCookie(s string) (Cookie, error) {
	if s == "" {
		return "", fmt.Errorf("empty cookie")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Cookie(strconv.FormatInt(n, 10)), nil
	}
	if _, _, _, err := splitPollCookie(s); err != nil {
		return "", err
	}
	return Cookie(s), nil
}

// IsPoll reports whether the cookie was synthesized by the poller.
func (c Cookie) IsPoll() bool {
	return strings.HasPrefix(string(c), pollCookiePrefix)
}

// PollParts splits a poll cookie into its sequence, device id and start register.
func (c Cookie) PollParts() (seq uint64, deviceID string, start int, err error) {
	return splitPollCookie(string(c))
}

func splitPollCookie(s string) (uint64, string, int, error) {
	if !strings.HasPrefix(s, pollCookiePrefix) {
		return 0, "", 0, fmt.Errorf("cookie %q is neither an integer nor a poll cookie", s)
	}
	rest := strings.TrimPrefix(s, pollCookiePrefix)

	first := strings.Index(rest, "_")
	last := strings.LastIndex(rest, "_")
	if first <= 0 || last <= first+1 || last == len(rest)-1 {
		return 0, "", 0, fmt.Errorf("malformed poll cookie %q", s)
	}

	seq, err := strconv.ParseUint(rest[:first], 10, 64)
	if err != nil {
		return 0, "", 0, fmt.Errorf("malformed poll cookie %q: bad sequence", s)
	}
	start, err := strconv.Atoi(rest[last+1:])
	if err != nil {
		return 0, "", 0, fmt.Errorf("malformed poll cookie %q: bad register", s)
	}

	return seq, rest[first+1 : last], start, nil
}

// Request is one command addressed to a target behind the gateway.
type Request struct {
	Cookie   Cookie
	TargetID string
	Command  string
	Args     []string
}

// NewRegisterRequest builds a register command with <register> <count> [values...] args.
func NewRegisterRequest(cookie Cookie, targetID, command string, register, count int, values ...int) *Request {
	args := make([]string, 0, 2+len(values))
	args = append(args, strconv.Itoa(register), strconv.Itoa(count))
	for _, v := range values {
		args = append(args, strconv.Itoa(v))
	}
	return &Request{Cookie: cookie, TargetID: targetID, Command: command, Args: args}
}

// Kind returns the response kind expected for this request.
func (r *Request) Kind() Kind {
	return KindOf(r.Command)
}

// Encode renders the request as a single wire line.
func Encode(req *Request) (string, error) {
	if req == nil {
		return "", &EncodingError{Field: "request", Reason: "nil request"}
	}
	if _, err := ParseCookie(string(req.Cookie)); err != nil {
		return "", &EncodingError{Field: "cookie", Value: string(req.Cookie), Reason: err.Error()}
	}
	if err := checkToken(req.TargetID); err != nil {
		return "", &EncodingError{Field: "target_id", Value: req.TargetID, Reason: err.Error()}
	}
	if err := checkToken(req.Command); err != nil {
		return "", &EncodingError{Field: "command", Value: req.Command, Reason: err.Error()}
	}

	tokens := make([]string, 0, 3+len(req.Args))
	tokens = append(tokens, string(req.Cookie), req.TargetID, req.Command)
	for i, arg := range req.Args {
		if err := checkToken(arg); err != nil {
			return "", &EncodingError{Field: fmt.Sprintf("arg[%d]", i), Value: arg, Reason: err.Error()}
		}
		tokens = append(tokens, arg)
	}

	return strings.Join(tokens, " "), nil
}

// ParseRequest parses a request line as received by a gateway or bridge.
func ParseRequest(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return nil, &DecodeError{Line: line, Reason: "need COOKIE TARGET COMMAND"}
	}

	if _, err := ParseCookie(parts[0]); err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad cookie", Err: err}
	}

	// The token is kept as sent so responders echo it unchanged.
	req := &Request{
		Cookie:   Cookie(parts[0]),
		TargetID: parts[1],
		Command:  parts[2],
	}
	if len(parts) > 3 {
		req.Args = parts[3:]
	}
	return req, nil
}

func checkToken(s string) error {
	if s == "" {
		return fmt.Errorf("empty token")
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return fmt.Errorf("contains whitespace")
	}
	return nil
}
