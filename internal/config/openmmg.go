package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// Option is one "option <name> '<value>'" line of an openmmg config file.
type Option struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Section is an ordered list of options.
type Section []Option

// Get returns the value of the named option.
func (s Section) Get(name string) (string, bool) {
	for _, opt := range s {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return "", false
}

// Set replaces the named option or appends it.
func (s *Section) Set(name, value string) {
	for i := range *s {
		if (*s)[i].Name == name {
			(*s)[i].Value = value
			return
		}
	}
	*s = append(*s, Option{Name: name, Value: value})
}

// OpenMMG is an openmmg UCI style configuration file.
type OpenMMG struct {
	MQTT           Section   `json:"mqtt" yaml:"mqtt"`
	SerialGateways []Section `json:"serial_gateways" yaml:"serial_gateways"`
	Rules          []Section `json:"rules" yaml:"rules"`
}

// ParseOpenMMG reads an openmmg config. Text after '#' is ignored and a blank
// line ends the current section.
func ParseOpenMMG(r io.Reader) (*OpenMMG, error) {
	cfg := &OpenMMG{}
	var current *Section

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "config mqtt"):
			current = &cfg.MQTT
			continue
		case strings.HasPrefix(line, "config serial_gateway"):
			cfg.SerialGateways = append(cfg.SerialGateways, Section{})
			current = &cfg.SerialGateways[len(cfg.SerialGateways)-1]
			continue
		case strings.HasPrefix(line, "config rule"):
			cfg.Rules = append(cfg.Rules, Section{})
			current = &cfg.Rules[len(cfg.Rules)-1]
			continue
		case strings.HasPrefix(line, "config "):
			current = nil
			continue
		case line == "":
			current = nil
			continue
		}

		if current == nil || !strings.HasPrefix(line, "option ") {
			continue
		}

		rest := strings.TrimSpace(strings.TrimPrefix(line, "option "))
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i <= 0 {
			continue
		}
		current.Set(rest[:i], strings.Trim(strings.TrimSpace(rest[i:]), `'"`))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read openmmg config: %w", err)
	}

	return cfg, nil
}

// WriteOpenMMG renders cfg in openmmg format. Options with empty values are omitted.
func WriteOpenMMG(w io.Writer, cfg *OpenMMG) error {
	var lines []string

	section := func(kind string, s Section) {
		lines = append(lines, "config "+kind)
		for _, opt := range s {
			if opt.Value != "" {
				lines = append(lines, fmt.Sprintf("\toption %s '%s'", opt.Name, opt.Value))
			}
		}
		lines = append(lines, "")
	}

	if len(cfg.MQTT) > 0 {
		section("mqtt", cfg.MQTT)
	}
	for _, gw := range cfg.SerialGateways {
		section("serial_gateway", gw)
	}
	for _, rule := range cfg.Rules {
		section("rule", rule)
	}

	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return err
}
