// Package validation checks bridge configuration before any component is started.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/rs/zerolog"
)

// MaxRegistersPerRead is the Modbus limit for one read request.
const MaxRegistersPerRead = 125

// Severity of a validation finding.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents one finding with the field it applies to.
type ValidationError struct {
	Severity string      `json:"severity"`
	Field    string      `json:"field"`
	Message  string      `json:"message"`
	Value    interface{} `json:"value,omitempty"`
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationResult contains the result of a validation check.
type ValidationResult struct {
	Valid    bool               `json:"valid"`
	Errors   []*ValidationError `json:"errors"`
	Warnings []*ValidationError `json:"warnings"`
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return "valid"
	}

	var parts []string
	if !vr.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(vr.Errors)))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}
	return strings.Join(parts, ", ")
}

// Err joins all errors, or returns nil for a valid result.
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	errs := make([]error, len(vr.Errors))
	for i, e := range vr.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// ConfigRule checks one aspect of the configuration.
type ConfigRule struct {
	Name  string
	Check func(cfg *config.Config) []*ValidationError
}

// ConfigValidator applies config rules.
type ConfigValidator struct {
	rules  []*ConfigRule
	logger zerolog.Logger

	// Statistics
	validationsPerformed int64
	errorsFound          int64
	warningsFound        int64
}

// NewConfigValidator creates a validator with the default rules registered.
func NewConfigValidator(logger zerolog.Logger) *ConfigValidator {
	validator := &ConfigValidator{
		logger: logger.With().Str("component", "validator").Logger(),
	}

	validator.registerDefaultRules()

	return validator
}

// Validate runs every rule against cfg.
func (cv *ConfigValidator) Validate(cfg *config.Config) *ValidationResult {
	cv.validationsPerformed++

	result := newResult()
	for _, rule := range cv.rules {
		for _, finding := range rule.Check(cfg) {
			cv.add(result, finding)
		}
	}

	cv.logger.Debug().
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Msg("Configuration validation completed")

	return result
}

// ValidateOpenMMG checks an openmmg gateway configuration the way its web UI does.
func (cv *ConfigValidator) ValidateOpenMMG(mmg *config.OpenMMG) *ValidationResult {
	cv.validationsPerformed++

	result := newResult()
	get := func(s config.Section, name string) string {
		v, _ := s.Get(name)
		return v
	}

	if get(mmg.MQTT, "host") == "" {
		cv.add(result, fail("mqtt.host", "MQTT host is required", nil))
	}
	port := get(mmg.MQTT, "port")
	if port == "" {
		cv.add(result, fail("mqtt.port", "MQTT port is required", nil))
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		cv.add(result, fail("mqtt.port", "MQTT port must be 1-65535", port))
	}
	if get(mmg.MQTT, "request_topic") == "" {
		cv.add(result, fail("mqtt.request_topic", "MQTT request_topic is required", nil))
	}
	if get(mmg.MQTT, "response_topic") == "" {
		cv.add(result, fail("mqtt.response_topic", "MQTT response_topic is required", nil))
	}
	if qos := get(mmg.MQTT, "qos"); qos != "" && qos != "0" && qos != "1" && qos != "2" {
		cv.add(result, fail("mqtt.qos", "MQTT QoS must be 0, 1, or 2", qos))
	}
	if tls := get(mmg.MQTT, "tls_version"); tls != "" && !validTLSVersion(tls) {
		cv.add(result, fail("mqtt.tls_version", "TLS version must be tlsv1, tlsv1.1, tlsv1.2 or tlsv1.3", tls))
	}

	for i, gw := range mmg.SerialGateways {
		field := fmt.Sprintf("serial_gateway[%d]", i)
		if get(gw, "id") == "" {
			cv.add(result, fail(field+".id", "id is required", nil))
		}
		if get(gw, "device") == "" {
			cv.add(result, fail(field+".device", "device is required", nil))
		}
		if baud := get(gw, "baudrate"); baud != "" {
			if _, err := strconv.ParseUint(baud, 10, 32); err != nil {
				cv.add(result, fail(field+".baudrate", "baudrate must be numeric", baud))
			}
		}
		parity := get(gw, "parity")
		if parity == "" {
			parity = "none"
		}
		if !validParity(parity) {
			cv.add(result, fail(field+".parity", "parity must be none/even/odd", parity))
		}
	}

	return result
}

// AddRule adds a custom rule.
func (cv *ConfigValidator) AddRule(rule *ConfigRule) {
	cv.rules = append(cv.rules, rule)

	cv.logger.Debug().
		Str("rule", rule.Name).
		Msg("Added custom config rule")
}

// GetStatistics returns validation statistics.
func (cv *ConfigValidator) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"validations_performed": cv.validationsPerformed,
		"errors_found":          cv.errorsFound,
		"warnings_found":        cv.warningsFound,
		"rules":                 len(cv.rules),
	}
}

func (cv *ConfigValidator) add(result *ValidationResult, finding *ValidationError) {
	if finding.Severity == SeverityWarning {
		result.Warnings = append(result.Warnings, finding)
		cv.warningsFound++
		return
	}
	result.Errors = append(result.Errors, finding)
	result.Valid = false
	cv.errorsFound++
}

func (cv *ConfigValidator) registerDefaultRules() {
	cv.rules = []*ConfigRule{
		{Name: "mqtt_connection", Check: checkMQTTConnection},
		{Name: "mqtt_topics", Check: checkMQTTTopics},
		{Name: "mqtt_tls", Check: checkMQTTTLS},
		{Name: "correlator", Check: checkCorrelator},
		{Name: "poller", Check: checkPoller},
		{Name: "bridge", Check: checkBridge},
		{Name: "listeners", Check: checkListeners},
		{Name: "influx", Check: checkInflux},
	}
}

func checkMQTTConnection(cfg *config.Config) []*ValidationError {
	var out []*ValidationError
	m := cfg.MQTT
	if m.Host == "" {
		out = append(out, fail("mqtt.host", "MQTT host is required", nil))
	}
	if !validPort(m.Port) {
		out = append(out, fail("mqtt.port", "MQTT port must be 1-65535", m.Port))
	}
	if m.QoS < 0 || m.QoS > 2 {
		out = append(out, fail("mqtt.qos", "MQTT QoS must be 0, 1, or 2", m.QoS))
	}
	if m.Keepalive < 0 {
		out = append(out, fail("mqtt.keepalive", "keepalive must not be negative", m.Keepalive))
	}
	if m.Password != "" && m.Username == "" {
		out = append(out, warn("mqtt.password", "password is ignored without a username", nil))
	}
	return out
}

func checkMQTTTopics(cfg *config.Config) []*ValidationError {
	var out []*ValidationError
	m := cfg.MQTT
	if m.RequestTopic == "" {
		out = append(out, fail("mqtt.request_topic", "MQTT request_topic is required", nil))
	}
	if m.ResponseTopic == "" {
		out = append(out, fail("mqtt.response_topic", "MQTT response_topic is required", nil))
	}
	if m.RequestTopic != "" && m.RequestTopic == m.ResponseTopic {
		out = append(out, fail("mqtt.response_topic", "request and response topics must differ", m.ResponseTopic))
	}
	for field, topic := range map[string]string{"mqtt.request_topic": m.RequestTopic, "mqtt.response_topic": m.ResponseTopic} {
		if strings.ContainsAny(topic, "+#") {
			out = append(out, fail(field, "topic must not contain wildcards", topic))
		}
		if strings.Contains(topic, "{id}") && m.InstanceID == "" {
			out = append(out, fail(field, "topic uses {id} but mqtt.instance_id is empty", topic))
		}
	}
	return out
}

func checkMQTTTLS(cfg *config.Config) []*ValidationError {
	var out []*ValidationError
	m := cfg.MQTT
	if !m.TLS {
		if m.CertPath != "" || m.KeyPath != "" || m.CACertPath != "" {
			out = append(out, warn("mqtt.tls", "certificate paths are set but TLS is disabled", nil))
		}
		return out
	}
	if m.TLSVersion != "" && !validTLSVersion(m.TLSVersion) {
		out = append(out, fail("mqtt.tls_version", "TLS version must be tlsv1, tlsv1.1, tlsv1.2 or tlsv1.3", m.TLSVersion))
	}
	if (m.CertPath == "") != (m.KeyPath == "") {
		out = append(out, fail("mqtt.cert_path", "cert_path and key_path must be set together", nil))
	}
	if !m.VerifyCACert {
		out = append(out, warn("mqtt.verify_ca_cert", "broker certificate will not be verified", nil))
	}
	return out
}

func checkCorrelator(cfg *config.Config) []*ValidationError {
	if cfg.Correlator.Timeout <= 0 {
		return []*ValidationError{fail("correlator.timeout", "timeout must be positive", cfg.Correlator.Timeout.String())}
	}
	return nil
}

func checkPoller(cfg *config.Config) []*ValidationError {
	p := cfg.Poller
	if !p.Enabled {
		return nil
	}

	var out []*ValidationError
	if p.Interval < config.MinPollInterval {
		out = append(out, warn("poller.interval", "interval below 5s is raised to 5s", p.Interval.String()))
	}
	if p.Timeout <= 0 {
		out = append(out, fail("poller.timeout", "timeout must be positive", p.Timeout.String()))
	} else if p.Timeout >= p.Interval && p.Interval >= config.MinPollInterval {
		out = append(out, warn("poller.timeout", "timeout is not shorter than the interval, cycles may overlap", p.Timeout.String()))
	}
	if p.MaxConcurrent < 0 {
		out = append(out, fail("poller.max_concurrent", "max_concurrent must not be negative", p.MaxConcurrent))
	}
	if len(p.Targets) == 0 && !p.AutoDiscover {
		out = append(out, warn("poller.targets", "no targets configured, nothing will be polled", nil))
	}

	// Poll cookies carry only device and start register.
	seen := make(map[string]string)
	for i, target := range p.Targets {
		field := fmt.Sprintf("poller.targets[%d]", i)
		if target.DeviceID == "" || strings.IndexFunc(target.DeviceID, unicode.IsSpace) >= 0 {
			out = append(out, fail(field+".device_id", "device_id must be a non-empty token without whitespace", target.DeviceID))
		}
		if len(target.Ranges) == 0 {
			out = append(out, warn(field+".ranges", "target has no register ranges", nil))
		}
		for j, r := range target.Ranges {
			rf := fmt.Sprintf("%s.ranges[%d]", field, j)
			if r.Count < 1 || r.Count > MaxRegistersPerRead {
				out = append(out, fail(rf+".count", fmt.Sprintf("count must be 1-%d", MaxRegistersPerRead), r.Count))
			}
			if r.Start < 0 || r.Start > 65535 || r.End() > 65535 {
				out = append(out, fail(rf+".start", "range must lie within 0-65535", r.String()))
			}
			if cmd := r.Command(); cmd != protocol.CommandReadHolding && cmd != protocol.CommandReadInput {
				out = append(out, fail(rf+".function", "function must be 3 or 4", r.Function))
			}
			key := fmt.Sprintf("%s/%d", target.DeviceID, r.Start)
			if first, ok := seen[key]; ok {
				out = append(out, fail(rf+".start", fmt.Sprintf("device %s already polls start %d in %s", target.DeviceID, r.Start, first), r.String()))
			} else {
				seen[key] = rf
			}
		}
	}
	return out
}

func checkBridge(cfg *config.Config) []*ValidationError {
	b := cfg.Bridge
	if !b.Enabled {
		return nil
	}

	var out []*ValidationError
	switch b.Backend {
	case "tcp", "rtu_tcp":
		if b.Address == "" {
			out = append(out, fail("bridge.address", "address is required for backend "+b.Backend, nil))
		}
	case "rtu":
		if b.Device == "" {
			out = append(out, fail("bridge.device", "device is required", nil))
		}
	default:
		out = append(out, fail("bridge.backend", "backend must be tcp, rtu or rtu_tcp", b.Backend))
	}

	if b.Backend == "rtu" || b.Backend == "rtu_tcp" {
		if b.BaudRate <= 0 {
			out = append(out, fail("bridge.baudrate", "baudrate must be positive", b.BaudRate))
		}
		if !validParity(b.Parity) {
			out = append(out, fail("bridge.parity", "parity must be none/even/odd", b.Parity))
		}
		if b.DataBits < 5 || b.DataBits > 8 {
			out = append(out, fail("bridge.data_bits", "data_bits must be 5-8", b.DataBits))
		}
		if b.StopBits != 1 && b.StopBits != 2 {
			out = append(out, fail("bridge.stop_bits", "stop_bits must be 1 or 2", b.StopBits))
		}
	}
	if b.SlaveID < 0 || b.SlaveID > 247 {
		out = append(out, fail("bridge.slave_id", "slave_id must be 0-247", b.SlaveID))
	}
	if b.Timeout <= 0 {
		out = append(out, fail("bridge.timeout", "timeout must be positive", b.Timeout.String()))
	}
	return out
}

func checkListeners(cfg *config.Config) []*ValidationError {
	var out []*ValidationError
	if cfg.Broker.Enabled && !validPort(cfg.Broker.Port) {
		out = append(out, fail("broker.port", "port must be 1-65535", cfg.Broker.Port))
	}
	if cfg.API.Enabled && !validPort(cfg.API.Port) {
		out = append(out, fail("api.port", "port must be 1-65535", cfg.API.Port))
	}
	if cfg.Broker.Enabled && cfg.API.Enabled && cfg.Broker.Port == cfg.API.Port {
		out = append(out, fail("api.port", "API and broker cannot share a port", cfg.API.Port))
	}
	return out
}

func checkInflux(cfg *config.Config) []*ValidationError {
	i := cfg.Influx
	if !i.Enabled {
		return nil
	}

	var out []*ValidationError
	if i.URL == "" {
		out = append(out, fail("influx.url", "url is required", nil))
	}
	if i.Org == "" {
		out = append(out, fail("influx.org", "org is required", nil))
	}
	if i.Bucket == "" {
		out = append(out, fail("influx.bucket", "bucket is required", nil))
	}
	if i.Token == "" {
		out = append(out, warn("influx.token", "no token set, writes may be rejected", nil))
	}
	return out
}

func newResult() *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		Errors:   make([]*ValidationError, 0),
		Warnings: make([]*ValidationError, 0),
	}
}

func fail(field, msg string, value interface{}) *ValidationError {
	return &ValidationError{Severity: SeverityError, Field: field, Message: msg, Value: value}
}

func warn(field, msg string, value interface{}) *ValidationError {
	return &ValidationError{Severity: SeverityWarning, Field: field, Message: msg, Value: value}
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func validParity(p string) bool {
	return p == "none" || p == "even" || p == "odd"
}

func validTLSVersion(v string) bool {
	switch v {
	case "tlsv1", "tlsv1.1", "tlsv1.2", "tlsv1.3":
		return true
	}
	return false
}
