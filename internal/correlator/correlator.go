// Package correlator matches asynchronous MQTT responses to the requests that caused them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrCookieInUse is returned by Send when a request with the same cookie is still pending.
var ErrCookieInUse = errors.New("cookie already pending")

// Metrics receives correlation events. Implementations must be safe for concurrent use.
type Metrics interface {
	RequestSent(command string)
	ResponseMatched(command string, latency time.Duration)
	ResponseUnmatched()
	DecodeFailed()
	RequestTimedOut(command string)
	RemoteError(command string)
	PendingChanged(n int)
}

type noopMetrics struct{}

func (noopMetrics) RequestSent(string)                    {}
func (noopMetrics) ResponseMatched(string, time.Duration) {}
func (noopMetrics) ResponseUnmatched()                    {}
func (noopMetrics) DecodeFailed()                         {}
func (noopMetrics) RequestTimedOut(string)                {}
func (noopMetrics) RemoteError(string)                    {}
func (noopMetrics) PendingChanged(int)                    {}

// Config holds configuration for the correlator.
type Config struct {
	RequestTopic   string
	DefaultTimeout time.Duration
	// CookieBase seeds NextCookie. Zero means a random base mixed with the clock.
	CookieBase uint64
}

// DefaultConfig returns a default correlator configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTopic:   "modbus/request",
		DefaultTimeout: 5 * time.Second,
	}
}

// Stats is a snapshot of the correlator counters.
type Stats struct {
	Sent         int64 `json:"sent"`
	Matched      int64 `json:"matched"`
	Unmatched    int64 `json:"unmatched"`
	DecodeErrors int64 `json:"decode_errors"`
	Timeouts     int64 `json:"timeouts"`
	RemoteErrors int64 `json:"remote_errors"`
	Pending      int   `json:"pending"`
}

type pendingRequest struct {
	cookie   protocol.Cookie
	command  string
	kind     protocol.Kind
	issuedAt time.Time
	timeout  time.Duration
	result   chan *protocol.Response
}

// Correlator is the single owner of the cookie to waiting caller mapping.
// Send and HandleMessage may be called concurrently.
type Correlator struct {
	publisher      domain.Publisher
	requestTopic   string
	defaultTimeout time.Duration
	logger         zerolog.Logger
	metrics        Metrics

	pending map[protocol.Cookie]*pendingRequest
	mutex   sync.Mutex

	cookieSeq uint64

	sent         int64
	matched      int64
	unmatched    int64
	decodeErrors int64
	timeouts     int64
	remoteErrors int64
}

// New creates a correlator publishing requests through publisher.
func New(publisher domain.Publisher, config *Config, logger zerolog.Logger) *Correlator {
	if config == nil {
		config = DefaultConfig()
	}

	timeout := config.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().DefaultTimeout
	}

	base := config.CookieBase
	if base == 0 {
		base = randomCookieBase()
	}

	return &Correlator{
		publisher:      publisher,
		requestTopic:   config.RequestTopic,
		defaultTimeout: timeout,
		logger:         logger.With().Str("component", "correlator").Logger(),
		metrics:        noopMetrics{},
		pending:        make(map[protocol.Cookie]*pendingRequest),
		cookieSeq:      base,
	}
}

// randomCookieBase mixes the clock with random bits so processes sharing a
// response topic hand out disjoint cookies. The result stays below 2^62,
// leaving room to count up within int64.
func randomCookieBase() uint64 {
	return (uint64(time.Now().UnixNano()) ^ rand.Uint64()) >> 2
}

// SetMetrics installs a metrics hook. It must be called before the first Send.
func (c *Correlator) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// RequestTopic returns the topic requests are published to.
func (c *Correlator) RequestTopic() string {
	return c.requestTopic
}

// NextCookie returns a fresh integer cookie.
func (c *Correlator) NextCookie() protocol.Cookie {
	return protocol.IntCookie(atomic.AddUint64(&c.cookieSeq, 1))
}

// Send publishes req and waits for the response carrying the same cookie.
//
// It returns a *protocol.TimeoutError if nothing matched within timeout (the
// default timeout when timeout <= 0), and the decoded response together with a
// *protocol.RemoteError for ERR responses. Encoding errors are returned before
// anything is published.
func (c *Correlator) Send(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	line, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	// Encode accepted the cookie; the canonical form is what responses decode to.
	cookie, _ := protocol.ParseCookie(string(req.Cookie))

	p := &pendingRequest{
		cookie:   cookie,
		command:  req.Command,
		kind:     req.Kind(),
		issuedAt: time.Now(),
		timeout:  timeout,
		result:   make(chan *protocol.Response, 1),
	}

	if err := c.register(p); err != nil {
		return nil, err
	}

	if err := c.publisher.Publish(ctx, c.requestTopic, []byte(line)); err != nil {
		c.remove(p)
		return nil, fmt.Errorf("publish request %s: %w", req.Cookie, err)
	}

	atomic.AddInt64(&c.sent, 1)
	c.metrics.RequestSent(req.Command)
	c.logger.Debug().
		Str("cookie", string(req.Cookie)).
		Str("topic", c.requestTopic).
		Str("payload", line).
		Dur("timeout", timeout).
		Msg("Request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.result:
		return c.complete(p, resp)

	case <-timer.C:
		if !c.remove(p) {
			// HandleMessage won the race and already filled the slot.
			return c.complete(p, <-p.result)
		}
		atomic.AddInt64(&c.timeouts, 1)
		c.metrics.RequestTimedOut(p.command)
		c.logger.Warn().
			Str("cookie", string(p.cookie)).
			Str("command", p.command).
			Dur("timeout", timeout).
			Msg("Request timed out")
		return nil, &protocol.TimeoutError{Cookie: p.cookie, Timeout: timeout}

	case <-ctx.Done():
		if !c.remove(p) {
			return c.complete(p, <-p.result)
		}
		return nil, ctx.Err()
	}
}

// HandleMessage processes one inbound response line. Malformed lines and
// lines whose cookie is not pending are dropped.
func (c *Correlator) HandleMessage(payload []byte) {
	line := strings.TrimSpace(string(payload))

	cookie, err := peekCookie(line)
	if err != nil {
		c.dropMalformed(line, err)
		return
	}

	c.mutex.Lock()
	p, exists := c.pending[cookie]
	c.mutex.Unlock()

	if !exists {
		c.dropUnmatched(cookie)
		return
	}

	resp, err := protocol.DecodeAs(line, p.kind)
	if err != nil {
		c.dropMalformed(line, err)
		return
	}

	c.mutex.Lock()
	delivered := false
	if current, ok := c.pending[cookie]; ok && current == p {
		delete(c.pending, cookie)
		p.result <- resp
		delivered = true
	}
	n := len(c.pending)
	c.mutex.Unlock()

	if !delivered {
		c.dropUnmatched(cookie)
		return
	}
	c.metrics.PendingChanged(n)
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

// Stats returns a snapshot of the correlator counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		Sent:         atomic.LoadInt64(&c.sent),
		Matched:      atomic.LoadInt64(&c.matched),
		Unmatched:    atomic.LoadInt64(&c.unmatched),
		DecodeErrors: atomic.LoadInt64(&c.decodeErrors),
		Timeouts:     atomic.LoadInt64(&c.timeouts),
		RemoteErrors: atomic.LoadInt64(&c.remoteErrors),
		Pending:      c.Pending(),
	}
}

func (c *Correlator) register(p *pendingRequest) error {
	c.mutex.Lock()
	if _, exists := c.pending[p.cookie]; exists {
		c.mutex.Unlock()
		return fmt.Errorf("send %s: %w", p.cookie, ErrCookieInUse)
	}
	c.pending[p.cookie] = p
	n := len(c.pending)
	c.mutex.Unlock()

	c.metrics.PendingChanged(n)
	return nil
}

// remove deletes p if it is still pending and reports whether it did.
func (c *Correlator) remove(p *pendingRequest) bool {
	c.mutex.Lock()
	current, ok := c.pending[p.cookie]
	removed := ok && current == p
	if removed {
		delete(c.pending, p.cookie)
	}
	n := len(c.pending)
	c.mutex.Unlock()

	if removed {
		c.metrics.PendingChanged(n)
	}
	return removed
}

func (c *Correlator) complete(p *pendingRequest, resp *protocol.Response) (*protocol.Response, error) {
	latency := time.Since(p.issuedAt)
	atomic.AddInt64(&c.matched, 1)
	c.metrics.ResponseMatched(p.command, latency)

	c.logger.Debug().
		Str("cookie", string(p.cookie)).
		Str("status", string(resp.Status)).
		Dur("latency", latency).
		Msg("Response matched")

	if err := resp.Err(); err != nil {
		atomic.AddInt64(&c.remoteErrors, 1)
		c.metrics.RemoteError(p.command)
		return resp, err
	}
	return resp, nil
}

func (c *Correlator) dropMalformed(line string, err error) {
	atomic.AddInt64(&c.decodeErrors, 1)
	c.metrics.DecodeFailed()
	c.logger.Warn().Err(err).Str("payload", line).Msg("Dropping malformed response")
}

func (c *Correlator) dropUnmatched(cookie protocol.Cookie) {
	atomic.AddInt64(&c.unmatched, 1)
	c.metrics.ResponseUnmatched()
	c.logger.Debug().Str("cookie", string(cookie)).Msg("Dropping response with no pending request")
}

func peekCookie(line string) (protocol.Cookie, error) {
	token := line
	if i := strings.IndexFunc(line, isSpace); i >= 0 {
		token = line[:i]
	}
	cookie, err := protocol.ParseCookie(token)
	if err != nil {
		return "", &protocol.DecodeError{Line: line, Reason: "bad cookie", Err: err}
	}
	return cookie, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
