package protocol

import (
	"strconv"
	"strings"
	"unicode"
)

// Status is the second token of a response line.
type Status string

const (
	StatusOK  Status = "OK"
	StatusErr Status = "ERR"
)

// Field is one key=value pair of a named command response.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response is a decoded response line. It is not modified after decoding.
type Response struct {
	Cookie  Cookie  `json:"cookie"`
	Status  Status  `json:"status"`
	Kind    Kind    `json:"-"`
	Values  []int   `json:"values,omitempty"`
	Fields  []Field `json:"fields,omitempty"`
	Message string  `json:"message,omitempty"`
}

// OK reports whether the response has status OK.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// Err returns a *RemoteError for ERR responses and nil otherwise.
func (r *Response) Err() error {
	if r.Status == StatusErr {
		return &RemoteError{Cookie: r.Cookie, Message: r.Message}
	}
	return nil
}

// Map returns the fields as a map. Later duplicates win.
func (r *Response) Map() map[string]string {
	m := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Key] = f.Value
	}
	return m
}

// String renders the response back into its wire form.
func (r *Response) String() string {
	switch {
	case r.Status == StatusErr:
		return FormatError(r.Cookie, r.Message)
	case len(r.Fields) > 0:
		return FormatFields(r.Cookie, r.Fields)
	default:
		return FormatOK(r.Cookie, r.Values)
	}
}

// Decode parses a response line, sniffing the payload kind.
func Decode(line string) (*Response, error) {
	return DecodeAs(line, KindAuto)
}

// DecodeAs parses a response line whose payload kind is known in advance.
func DecodeAs(line string, kind Kind) (*Response, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil, &DecodeError{Line: line, Reason: "need COOKIE STATUS"}
	}

	cookie, err := ParseCookie(parts[0])
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad cookie", Err: err}
	}

	resp := &Response{Cookie: cookie, Status: Status(parts[1])}
	rest := parts[2:]

	switch resp.Status {
	case StatusErr:
		resp.Message = strings.Join(rest, " ")
		return resp, nil
	case StatusOK:
	default:
		return nil, &DecodeError{Line: line, Reason: "status must be OK or ERR"}
	}

	if kind == KindAuto {
		kind = KindRegisters
		if len(rest) > 0 && strings.Contains(rest[0], "=") {
			kind = KindFields
		}
	}
	resp.Kind = kind

	switch kind {
	case KindFields:
		resp.Fields = make([]Field, 0, len(rest))
		for _, tok := range rest {
			key, value, found := strings.Cut(tok, "=")
			if !found || key == "" {
				return nil, &DecodeError{Line: line, Reason: "expected key=value, got " + strconv.Quote(tok)}
			}
			resp.Fields = append(resp.Fields, Field{Key: key, Value: value})
		}
	default:
		resp.Values = make([]int, 0, len(rest))
		for _, tok := range rest {
			v, err := strconv.Atoi(tok)
			if err != nil {
				return nil, &DecodeError{Line: line, Reason: "expected integer value", Err: err}
			}
			resp.Values = append(resp.Values, v)
		}
	}

	return resp, nil
}

// FormatOK renders a successful register response.
func FormatOK(cookie Cookie, values []int) string {
	var b strings.Builder
	b.WriteString(string(cookie))
	b.WriteString(" OK")
	for _, v := range values {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

// FormatFields renders a successful named command response.
// Whitespace inside keys and values is replaced with underscores.
func FormatFields(cookie Cookie, fields []Field) string {
	var b strings.Builder
	b.WriteString(string(cookie))
	b.WriteString(" OK")
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(underscoreSpaces(f.Key))
		b.WriteByte('=')
		b.WriteString(underscoreSpaces(f.Value))
	}
	return b.String()
}

// FormatError renders an ERR response. Runs of whitespace in msg collapse to one space.
func FormatError(cookie Cookie, msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		msg = "unknown error"
	}
	return string(cookie) + " ERR " + msg
}

func underscoreSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
