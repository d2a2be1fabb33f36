// Package scheduler polls configured register ranges on a fixed interval and
// republishes the gathered responses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/rs/zerolog"
)

// Sender issues one correlated request. Implemented by *correlator.Correlator.
type Sender interface {
	Send(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error)
}

// State is the poller state.
type State int32

const (
	// StateIdle waits for the next tick.
	StateIdle State = iota
	// StatePolling has a poll cycle in flight.
	StatePolling
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Cycle summarizes one poll cycle.
type Cycle struct {
	Seq      uint64
	Started  time.Time
	Duration time.Duration
	Results  []*domain.PollResult
}

// Succeeded returns the number of OK results.
func (c *Cycle) Succeeded() int {
	n := 0
	for _, r := range c.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxConcurrent caps in-flight requests per cycle. Zero means unlimited.
	MaxConcurrent int
	// PublishTopic receives republished responses. Empty disables republishing.
	PublishTopic string
}

// DefaultPollerConfig returns a default poller configuration.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		Interval:     30 * time.Second,
		Timeout:      5 * time.Second,
		PublishTopic: "modbus/response",
	}
}

// Poller issues one request per (device, range) every interval.
type Poller struct {
	sender    Sender
	publisher domain.Publisher
	logger    zerolog.Logger

	targetsMu sync.RWMutex
	targets   []domain.PollTarget

	sinks    []domain.ResultSink
	registry domain.Registry
	hooks    []func(*Cycle)

	interval      time.Duration
	timeout       time.Duration
	maxConcurrent int
	publishTopic  string

	seq   uint64
	state int32

	ticker    *time.Ticker
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.RWMutex

	cyclesRun          int64
	requestsSent       int64
	requestsOK         int64
	requestsFailed     int64
	resultsRepublished int64
	lastCycleNanos     int64
}

// NewPoller creates a poller. Intervals below config.MinPollInterval are raised to it.
func NewPoller(sender Sender, publisher domain.Publisher, targets []domain.PollTarget, cfg *PollerConfig, logger zerolog.Logger) *Poller {
	if cfg == nil {
		cfg = DefaultPollerConfig()
	}

	logger = logger.With().Str("component", "poller").Logger()

	interval := cfg.Interval
	if interval < config.MinPollInterval {
		logger.Warn().Dur("configured", interval).Dur("interval", config.MinPollInterval).Msg("Poll interval raised to minimum")
		interval = config.MinPollInterval
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPollerConfig().Timeout
	}

	return &Poller{
		sender:        sender,
		publisher:     publisher,
		logger:        logger,
		targets:       targets,
		interval:      interval,
		timeout:       timeout,
		maxConcurrent: cfg.MaxConcurrent,
		publishTopic:  cfg.PublishTopic,
	}
}

// AddSink registers a sink receiving every result with a response.
func (p *Poller) AddSink(sink domain.ResultSink) {
	p.sinks = append(p.sinks, sink)
}

// SetRegistry records every result in registry.
func (p *Poller) SetRegistry(registry domain.Registry) {
	p.registry = registry
}

// OnCycle registers fn to run after every cycle.
func (p *Poller) OnCycle(fn func(*Cycle)) {
	p.hooks = append(p.hooks, fn)
}

// SetTargets replaces the targets from the next cycle on.
func (p *Poller) SetTargets(targets []domain.PollTarget) {
	p.targetsMu.Lock()
	p.targets = targets
	p.targetsMu.Unlock()
}

// Targets returns the current targets.
func (p *Poller) Targets() []domain.PollTarget {
	p.targetsMu.RLock()
	defer p.targetsMu.RUnlock()
	return p.targets
}

// Interval returns the effective poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// State returns the current state.
func (p *Poller) State() State {
	return State(atomic.LoadInt32(&p.state))
}

// Start polls once immediately and then on every tick until Stop or ctx ends.
// A stopped poller can be started again.
func (p *Poller) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return fmt.Errorf("poller is already running")
	}

	p.ticker = time.NewTicker(p.interval)
	p.stopChan = make(chan struct{})
	p.isRunning = true

	p.wg.Add(1)
	go p.pollLoop(ctx, p.ticker, p.stopChan)

	p.logger.Info().
		Dur("interval", p.interval).
		Dur("timeout", p.timeout).
		Int("max_concurrent", p.maxConcurrent).
		Int("targets", len(p.Targets())).
		Msg("Poller started")

	return nil
}

// Stop stops the poll loop and waits for the running cycle to finish.
func (p *Poller) Stop() error {
	p.mutex.Lock()
	if !p.isRunning || p.stopChan == nil {
		p.mutex.Unlock()
		return fmt.Errorf("poller is not running")
	}
	close(p.stopChan)
	p.stopChan = nil
	p.ticker.Stop()
	p.mutex.Unlock()

	// The lock is released so GetMetrics keeps answering while the cycle drains.
	p.wg.Wait()

	p.mutex.Lock()
	p.isRunning = false
	p.mutex.Unlock()

	p.logger.Info().Msg("Poller stopped")
	return nil
}

func (p *Poller) pollLoop(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer p.wg.Done()

	// Cancel the in-flight cycle on Stop.
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-cycleCtx.Done():
		}
	}()

	p.PollOnce(cycleCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.PollOnce(cycleCtx)
		}
	}
}

// PollOnce runs one poll cycle: every range of every target is requested
// concurrently, then responses are republished and handed to the sinks.
// Ranges that time out are skipped until the next cycle.
func (p *Poller) PollOnce(ctx context.Context) []*domain.PollResult {
	if !atomic.CompareAndSwapInt32(&p.state, int32(StateIdle), int32(StatePolling)) {
		p.logger.Warn().Msg("Previous poll cycle still running, skipping tick")
		return nil
	}
	defer atomic.StoreInt32(&p.state, int32(StateIdle))

	seq := atomic.AddUint64(&p.seq, 1)
	started := time.Now()

	type job struct {
		deviceID string
		rng      domain.RegisterRange
	}
	var jobs []job
	seen := make(map[protocol.Cookie]bool)
	for _, target := range p.Targets() {
		for _, r := range target.Ranges {
			// Ranges sharing a cookie would only ever fail with ErrCookieInUse.
			cookie := protocol.PollCookie(seq, target.DeviceID, r.Start)
			if seen[cookie] {
				p.logger.Warn().
					Str("device", target.DeviceID).
					Str("range", r.String()).
					Msg("Skipping range with the same device and start register as an earlier one")
				continue
			}
			seen[cookie] = true
			jobs = append(jobs, job{deviceID: target.DeviceID, rng: r})
		}
	}

	results := make([]*domain.PollResult, len(jobs))

	var sem chan struct{}
	if p.maxConcurrent > 0 {
		sem = make(chan struct{}, p.maxConcurrent)
	}

	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[i] = p.pollRange(ctx, seq, j.deviceID, j.rng)
		}(i, j)
	}
	wg.Wait()

	for _, res := range results {
		p.deliver(ctx, res)
	}

	cycle := &Cycle{Seq: seq, Started: started, Duration: time.Since(started), Results: results}
	atomic.AddInt64(&p.cyclesRun, 1)
	atomic.StoreInt64(&p.lastCycleNanos, int64(cycle.Duration))

	p.logger.Debug().
		Uint64("seq", seq).
		Int("requests", len(results)).
		Int("ok", cycle.Succeeded()).
		Dur("duration", cycle.Duration).
		Msg("Poll cycle complete")

	for _, hook := range p.hooks {
		hook(cycle)
	}

	return results
}

func (p *Poller) pollRange(ctx context.Context, seq uint64, deviceID string, r domain.RegisterRange) *domain.PollResult {
	cookie := protocol.PollCookie(seq, deviceID, r.Start)
	req := protocol.NewRegisterRequest(cookie, deviceID, r.Command(), r.Start, r.Count)

	atomic.AddInt64(&p.requestsSent, 1)
	start := time.Now()
	resp, err := p.sender.Send(ctx, req, p.timeout)

	result := &domain.PollResult{
		Seq:      seq,
		DeviceID: deviceID,
		Range:    r,
		Cookie:   cookie,
		Response: resp,
		Err:      err,
		At:       start,
		Duration: time.Since(start),
	}

	if err != nil {
		result.Error = err.Error()
		atomic.AddInt64(&p.requestsFailed, 1)

		event := p.logger.Warn()
		if errors.Is(err, protocol.ErrTimeout) {
			event = p.logger.Info()
		}
		event.Err(err).
			Str("device_id", deviceID).
			Str("range", r.String()).
			Str("cookie", string(cookie)).
			Msg("Poll range failed")
		return result
	}

	atomic.AddInt64(&p.requestsOK, 1)
	return result
}

// deliver republishes a result and hands it to the registry and sinks.
// Results without a response (timeouts, publish failures) are only recorded.
func (p *Poller) deliver(ctx context.Context, res *domain.PollResult) {
	if p.registry != nil {
		p.registry.RecordPoll(res)
	}
	if res.Response == nil {
		return
	}

	if p.publishTopic != "" && p.publisher != nil {
		if err := p.publisher.Publish(ctx, p.publishTopic, []byte(res.Response.String())); err != nil {
			p.logger.Error().Err(err).Str("cookie", string(res.Cookie)).Msg("Failed to republish poll result")
		} else {
			atomic.AddInt64(&p.resultsRepublished, 1)
		}
	}

	for _, sink := range p.sinks {
		if err := sink.Send(ctx, res); err != nil {
			p.logger.Error().Err(err).Str("cookie", string(res.Cookie)).Msg("Failed to send poll result to sink")
		}
	}
}

// GetMetrics returns poller counters.
func (p *Poller) GetMetrics() map[string]interface{} {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return map[string]interface{}{
		"is_running":          p.isRunning,
		"state":               p.State().String(),
		"interval":            p.interval.String(),
		"seq":                 atomic.LoadUint64(&p.seq),
		"cycles":              atomic.LoadInt64(&p.cyclesRun),
		"requests_sent":       atomic.LoadInt64(&p.requestsSent),
		"requests_ok":         atomic.LoadInt64(&p.requestsOK),
		"requests_failed":     atomic.LoadInt64(&p.requestsFailed),
		"results_republished": atomic.LoadInt64(&p.resultsRepublished),
		"last_cycle":          time.Duration(atomic.LoadInt64(&p.lastCycleNanos)).String(),
	}
}
