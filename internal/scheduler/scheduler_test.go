package scheduler

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/correlator"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/resident-x/go-mmgbridge/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeSender answers requests through respond and tracks concurrency.
type fakeSender struct {
	mu       sync.Mutex
	requests []*protocol.Request
	respond  func(req *protocol.Request) (*protocol.Response, error)

	inFlight    int32
	maxInFlight int32
	delay       time.Duration
}

func (f *fakeSender) Send(_ context.Context, req *protocol.Request, _ time.Duration) (*protocol.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.respond(req)
}

func (f *fakeSender) cookies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = string(r.Cookie)
	}
	return out
}

// echoCount answers a register read with count values 1..count.
func echoCount(req *protocol.Request) (*protocol.Response, error) {
	count, _ := strconv.Atoi(req.Args[1])
	values := make([]int, count)
	for i := range values {
		values[i] = i + 1
	}
	return &protocol.Response{Cookie: req.Cookie, Status: protocol.StatusOK, Kind: protocol.KindRegisters, Values: values}, nil
}

func twoRanges() []domain.PollTarget {
	return []domain.PollTarget{{
		DeviceID: "0",
		Ranges: []domain.RegisterRange{
			{Start: 35100, Count: 3},
			{Start: 35110, Count: 2},
		},
	}}
}

func testPollerConfig() *PollerConfig {
	return &PollerConfig{Interval: 5 * time.Second, Timeout: time.Second, PublishTopic: "modbus/response"}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestNewPoller_MinimumInterval(t *testing.T) {
	p := NewPoller(&fakeSender{}, nil, nil, &PollerConfig{Interval: time.Second}, zerolog.Nop())
	assert.Equal(t, 5*time.Second, p.Interval())

	p = NewPoller(&fakeSender{}, nil, nil, &PollerConfig{Interval: time.Minute}, zerolog.Nop())
	assert.Equal(t, time.Minute, p.Interval())

	p = NewPoller(&fakeSender{}, nil, nil, nil, zerolog.Nop())
	assert.Equal(t, 30*time.Second, p.Interval())
}

func TestPollOnce_TimeoutDoesNotBlockOtherRanges(t *testing.T) {
	sender := &fakeSender{respond: func(req *protocol.Request) (*protocol.Response, error) {
		if req.Args[0] == "35110" {
			return nil, &protocol.TimeoutError{Cookie: req.Cookie, Timeout: time.Second}
		}
		return echoCount(req)
	}}

	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, "modbus/response", []byte("poll_1_0_35100 OK 1 2 3")).Return(nil).Once()

	registry := domain.NewDeviceRegistry()
	p := NewPoller(sender, publisher, twoRanges(), testPollerConfig(), zerolog.New(zerolog.NewTestWriter(t)))
	p.SetRegistry(registry)

	results := p.PollOnce(context.Background())

	assert.ElementsMatch(t, []string{"poll_1_0_35100", "poll_1_0_35110"}, sender.cookies())
	require.Len(t, results, 2)

	// Results keep configuration order.
	assert.True(t, results[0].OK())
	assert.Equal(t, protocol.Cookie("poll_1_0_35100"), results[0].Cookie)
	assert.Equal(t, map[int]int{35100: 1, 35101: 2, 35102: 3}, results[0].Registers())

	assert.False(t, results[1].OK())
	assert.ErrorIs(t, results[1].Err, protocol.ErrTimeout)
	assert.NotEmpty(t, results[1].Error)

	device, ok := registry.GetDevice("0")
	require.True(t, ok)
	assert.Equal(t, int64(2), device.Polls)
	assert.Equal(t, int64(1), device.Failures)

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics["requests_ok"])
	assert.Equal(t, int64(1), metrics["requests_failed"])
	assert.Equal(t, int64(1), metrics["results_republished"])
	assert.Equal(t, "idle", metrics["state"])
}

func TestPollOnce_RequestShape(t *testing.T) {
	sender := &fakeSender{respond: echoCount}
	targets := []domain.PollTarget{{
		DeviceID: "7",
		Ranges:   []domain.RegisterRange{{Start: 100, Count: 4, Function: "4"}},
	}}

	p := NewPoller(sender, nil, targets, testPollerConfig(), zerolog.Nop())
	p.PollOnce(context.Background())

	require.Len(t, sender.requests, 1)
	line, err := protocol.Encode(sender.requests[0])
	require.NoError(t, err)
	assert.Equal(t, "poll_1_7_100 7 4 100 4", line)
}

func TestPollOnce_SequenceAdvances(t *testing.T) {
	sender := &fakeSender{respond: echoCount}
	p := NewPoller(sender, nil, twoRanges(), testPollerConfig(), zerolog.Nop())

	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	assert.ElementsMatch(t, []string{
		"poll_1_0_35100", "poll_1_0_35110",
		"poll_2_0_35100", "poll_2_0_35110",
	}, sender.cookies())
	assert.Equal(t, uint64(2), p.GetMetrics()["seq"])
}

func TestPollOnce_FiresConcurrently(t *testing.T) {
	targets := []domain.PollTarget{{DeviceID: "0"}, {DeviceID: "1"}}
	for i := range targets {
		for j := 0; j < 4; j++ {
			targets[i].Ranges = append(targets[i].Ranges, domain.RegisterRange{Start: j * 10, Count: 1})
		}
	}

	sender := &fakeSender{respond: echoCount, delay: 50 * time.Millisecond}
	p := NewPoller(sender, nil, targets, testPollerConfig(), zerolog.Nop())

	started := time.Now()
	results := p.PollOnce(context.Background())

	assert.Len(t, results, 8)
	assert.Equal(t, int32(8), atomic.LoadInt32(&sender.maxInFlight))
	assert.Less(t, time.Since(started), 400*time.Millisecond, "requests should not run one after another")
}

func TestPollOnce_MaxConcurrent(t *testing.T) {
	targets := []domain.PollTarget{{DeviceID: "0"}}
	for j := 0; j < 6; j++ {
		targets[0].Ranges = append(targets[0].Ranges, domain.RegisterRange{Start: j * 10, Count: 1})
	}

	cfg := testPollerConfig()
	cfg.MaxConcurrent = 2
	sender := &fakeSender{respond: echoCount, delay: 20 * time.Millisecond}
	p := NewPoller(sender, nil, targets, cfg, zerolog.Nop())

	results := p.PollOnce(context.Background())

	assert.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&sender.maxInFlight), int32(2))
}

func TestPollOnce_RemoteErrorIsRepublished(t *testing.T) {
	sender := &fakeSender{respond: func(req *protocol.Request) (*protocol.Response, error) {
		resp := &protocol.Response{Cookie: req.Cookie, Status: protocol.StatusErr, Message: "illegal data address"}
		return resp, resp.Err()
	}}

	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, "gw/polls", []byte("poll_1_0_1 ERR illegal data address")).Return(nil).Once()

	cfg := testPollerConfig()
	cfg.PublishTopic = "gw/polls"
	targets := []domain.PollTarget{{DeviceID: "0", Ranges: []domain.RegisterRange{{Start: 1, Count: 1}}}}
	p := NewPoller(sender, publisher, targets, cfg, zerolog.Nop())

	results := p.PollOnce(context.Background())
	require.Len(t, results, 1)

	var remote *protocol.RemoteError
	assert.ErrorAs(t, results[0].Err, &remote)
}

func TestPollOnce_Sinks(t *testing.T) {
	sender := &fakeSender{respond: func(req *protocol.Request) (*protocol.Response, error) {
		if req.Args[0] == "35110" {
			return nil, &protocol.TimeoutError{Cookie: req.Cookie, Timeout: time.Second}
		}
		return echoCount(req)
	}}

	failing := mocks.NewMockResultSink(t)
	failing.EXPECT().Send(mock.Anything, mock.Anything).Return(assert.AnError).Once()

	sink := mocks.NewMockResultSink(t)
	sink.EXPECT().Send(mock.Anything, mock.MatchedBy(func(r *domain.PollResult) bool {
		return r.Cookie == "poll_1_0_35100"
	})).Return(nil).Once()

	cfg := testPollerConfig()
	cfg.PublishTopic = ""
	p := NewPoller(sender, nil, twoRanges(), cfg, zerolog.Nop())
	p.AddSink(failing)
	p.AddSink(sink)

	var cycles []*Cycle
	p.OnCycle(func(c *Cycle) { cycles = append(cycles, c) })

	p.PollOnce(context.Background())

	require.Len(t, cycles, 1)
	assert.Equal(t, uint64(1), cycles[0].Seq)
	assert.Equal(t, 1, cycles[0].Succeeded())
	assert.Len(t, cycles[0].Results, 2)
}

func TestPollOnce_SkipsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{respond: func(req *protocol.Request) (*protocol.Response, error) {
		<-release
		return echoCount(req)
	}}
	targets := []domain.PollTarget{{DeviceID: "0", Ranges: []domain.RegisterRange{{Start: 1, Count: 1}}}}
	p := NewPoller(sender, nil, targets, testPollerConfig(), zerolog.Nop())

	done := make(chan []*domain.PollResult)
	go func() { done <- p.PollOnce(context.Background()) }()

	require.Eventually(t, func() bool { return p.State() == StatePolling }, time.Second, 5*time.Millisecond)
	assert.Nil(t, p.PollOnce(context.Background()))

	close(release)
	assert.Len(t, <-done, 1)
	assert.Equal(t, StateIdle, p.State())
}

func TestPoller_SetTargets(t *testing.T) {
	sender := &fakeSender{respond: echoCount}
	p := NewPoller(sender, nil, nil, testPollerConfig(), zerolog.Nop())

	assert.Empty(t, p.PollOnce(context.Background()))

	p.SetTargets(twoRanges())
	assert.Len(t, p.PollOnce(context.Background()), 2)
	assert.Len(t, p.Targets(), 1)
}

func TestPoller_StartStop(t *testing.T) {
	sender := &fakeSender{respond: echoCount}
	p := NewPoller(sender, nil, twoRanges(), testPollerConfig(), zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start must fail")

	// The first cycle runs immediately.
	require.Eventually(t, func() bool {
		return p.GetMetrics()["cycles"].(int64) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, true, p.GetMetrics()["is_running"])

	require.NoError(t, p.Stop())
	assert.Error(t, p.Stop())
	assert.Equal(t, false, p.GetMetrics()["is_running"])
}

// echoPublisher answers every published request through the correlator.
type echoPublisher struct {
	c *correlator.Correlator
}

func (e *echoPublisher) Publish(_ context.Context, _ string, payload []byte) error {
	req, err := protocol.ParseRequest(string(payload))
	if err != nil {
		return err
	}
	line := protocol.FormatOK(req.Cookie, []int{1, 2})
	go e.c.HandleMessage([]byte(line))
	return nil
}

func TestPollOnce_SkipsRangesSharingCookie(t *testing.T) {
	pub := &echoPublisher{}
	pub.c = correlator.New(pub, &correlator.Config{RequestTopic: "modbus/request"}, zerolog.Nop())

	targets := []domain.PollTarget{
		{DeviceID: "0", Ranges: []domain.RegisterRange{
			{Start: 0, Count: 2},
			{Start: 0, Count: 2, Function: protocol.CommandReadInput},
		}},
		{DeviceID: "0", Ranges: []domain.RegisterRange{{Start: 0, Count: 2}}},
		{DeviceID: "1", Ranges: []domain.RegisterRange{{Start: 0, Count: 2}}},
	}
	p := NewPoller(pub.c, nil, targets, testPollerConfig(), zerolog.Nop())

	for cycle := 1; cycle <= 3; cycle++ {
		results := p.PollOnce(context.Background())
		require.Len(t, results, 2)

		assert.Equal(t, protocol.PollCookie(uint64(cycle), "0", 0), results[0].Cookie)
		assert.Equal(t, protocol.CommandReadHolding, results[0].Range.Command())
		assert.Equal(t, protocol.PollCookie(uint64(cycle), "1", 0), results[1].Cookie)
		for _, res := range results {
			assert.NoError(t, res.Err)
			assert.True(t, res.OK())
		}
	}
	assert.Zero(t, pub.c.Pending())
}

func TestPoller_Restart(t *testing.T) {
	sender := &fakeSender{respond: echoCount}
	p := NewPoller(sender, nil, twoRanges(), testPollerConfig(), zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	assert.NotPanics(t, func() { assert.Error(t, p.Stop()) })

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		return p.GetMetrics()["cycles"].(int64) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, true, p.GetMetrics()["is_running"])
	require.NoError(t, p.Stop())
}

func TestPoller_MetricsWhileStopping(t *testing.T) {
	sender := &fakeSender{respond: echoCount, delay: 500 * time.Millisecond}
	p := NewPoller(sender, nil, twoRanges(), testPollerConfig(), zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		return p.State() == StatePolling
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()
	time.Sleep(50 * time.Millisecond)

	metrics := make(chan map[string]interface{}, 1)
	go func() { metrics <- p.GetMetrics() }()
	select {
	case m := <-metrics:
		assert.Equal(t, "polling", m["state"])
	case <-time.After(200 * time.Millisecond):
		t.Fatal("GetMetrics blocked while the cycle drained")
	}

	require.NoError(t, <-stopped)
	assert.Equal(t, false, p.GetMetrics()["is_running"])
}
