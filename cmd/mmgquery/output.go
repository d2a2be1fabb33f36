package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"gopkg.in/yaml.v3"
)

// result is the printable form of a response.
type result struct {
	Cookie    string            `json:"cookie" yaml:"cookie"`
	Status    string            `json:"status" yaml:"status"`
	Values    []int             `json:"values,omitempty" yaml:"values,omitempty"`
	Fields    map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Message   string            `json:"message,omitempty" yaml:"message,omitempty"`
	LatencyMS int64             `json:"latency_ms" yaml:"latency_ms"`

	line string
}

func newResult(resp *protocol.Response, latency time.Duration) *result {
	r := &result{
		Cookie:    string(resp.Cookie),
		Status:    string(resp.Status),
		Values:    resp.Values,
		Message:   resp.Message,
		LatencyMS: latency.Milliseconds(),
		line:      resp.String(),
	}
	if len(resp.Fields) > 0 {
		r.Fields = resp.Map()
	}
	return r
}

// render formats r. Text output is the raw response line.
func render(format string, r *result) (string, error) {
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil
	case "yaml":
		data, err := yaml.Marshal(r)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case "text":
		return r.line + "\n", nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}
