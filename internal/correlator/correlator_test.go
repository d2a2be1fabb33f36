package correlator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/resident-x/go-mmgbridge/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// loopbackPublisher hands every published request to respond, which may
// answer through the correlator like a remote gateway would.
type loopbackPublisher struct {
	mu        sync.Mutex
	published []string
	respond   func(line string)
}

func (p *loopbackPublisher) Publish(_ context.Context, _ string, payload []byte) error {
	line := string(payload)
	p.mu.Lock()
	p.published = append(p.published, line)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		go respond(line)
	}
	return nil
}

func (p *loopbackPublisher) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func newTestCorrelator(t *testing.T, pub *loopbackPublisher) *Correlator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RequestTopic = "test/request"
	cfg.DefaultTimeout = time.Second
	cfg.CookieBase = 99000
	return New(pub, cfg, zerolog.New(zerolog.NewTestWriter(t)))
}

// echoRegisters answers register reads with count values start, start+1, ...
func echoRegisters(c *Correlator) func(string) {
	return func(line string) {
		req, err := protocol.ParseRequest(line)
		if err != nil {
			return
		}
		var start, count int
		fmt.Sscan(req.Args[0], &start)
		fmt.Sscan(req.Args[1], &count)
		values := make([]int, count)
		for i := range values {
			values[i] = start + i
		}
		c.HandleMessage([]byte(protocol.FormatOK(req.Cookie, values)))
	}
}

func TestSend_EchoResponder(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)
	pub.respond = echoRegisters(c)

	req := protocol.NewRegisterRequest(c.NextCookie(), "0", protocol.CommandReadHolding, 1, 5)

	start := time.Now()
	resp, err := c.Send(context.Background(), req, 0)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, req.Cookie, resp.Cookie)
	assert.Equal(t, protocol.KindRegisters, resp.Kind)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, resp.Values)
	assert.Equal(t, []string{"99001 0 3 1 5"}, pub.lines())
	assert.Equal(t, 0, c.Pending())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Matched)
}

func TestSend_FieldsUseCommandKind(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)
	pub.respond = func(line string) {
		req, _ := protocol.ParseRequest(line)
		c.HandleMessage([]byte(string(req.Cookie) + " OK vpv1=382.80 ipv1=2.00 ppv1=766"))
	}

	resp, err := c.Send(context.Background(), &protocol.Request{Cookie: "10002", TargetID: "0", Command: protocol.CommandPV}, 0)
	require.NoError(t, err)

	assert.Equal(t, protocol.KindFields, resp.Kind)
	assert.Equal(t, map[string]string{"vpv1": "382.80", "ipv1": "2.00", "ppv1": "766"}, resp.Map())
}

func TestSend_Timeout(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)

	timeout := 100 * time.Millisecond
	start := time.Now()
	resp, err := c.Send(context.Background(), protocol.NewRegisterRequest("1", "0", "3", 1, 1), timeout)
	elapsed := time.Since(start)

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrTimeout))

	var timeoutErr *protocol.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, protocol.Cookie("1"), timeoutErr.Cookie)

	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, int64(1), c.Stats().Timeouts)
}

func TestSend_RemoteError(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)
	pub.respond = func(line string) {
		req, _ := protocol.ParseRequest(line)
		c.HandleMessage([]byte(protocol.FormatError(req.Cookie, "unsupported function 9")))
	}

	resp, err := c.Send(context.Background(), &protocol.Request{Cookie: "5", TargetID: "0", Command: "9"}, 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, protocol.ErrTimeout))

	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "unsupported function 9", remote.Message)

	require.NotNil(t, resp)
	assert.Equal(t, protocol.StatusErr, resp.Status)
	assert.Equal(t, int64(1), c.Stats().RemoteErrors)
}

func TestSend_EncodingErrorPublishesNothing(t *testing.T) {
	pub := mocks.NewMockPublisher(t)
	c := New(pub, DefaultConfig(), zerolog.Nop())

	_, err := c.Send(context.Background(), &protocol.Request{Cookie: "1", TargetID: "0", Command: "3", Args: []string{"1 2"}}, 0)

	var encErr *protocol.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, 0, c.Pending())
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSend_PublishFailure(t *testing.T) {
	pub := mocks.NewMockPublisher(t)
	pub.EXPECT().Publish(mock.Anything, "modbus/request", []byte("7 0 3 1 1")).Return(errors.New("not connected"))

	c := New(pub, DefaultConfig(), zerolog.Nop())

	_, err := c.Send(context.Background(), protocol.NewRegisterRequest("7", "0", "3", 1, 1), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, int64(0), c.Stats().Sent)
}

func TestSend_ContextCancel(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Send(ctx, protocol.NewRegisterRequest("3", "0", "3", 1, 1), 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestSend_ConcurrentInterleaved(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)

	// Hold both requests until each has been published, then answer in reverse order.
	var mu sync.Mutex
	var held []*protocol.Request
	pub.respond = func(line string) {
		req, _ := protocol.ParseRequest(line)
		mu.Lock()
		held = append(held, req)
		ready := len(held) == 2
		batch := append([]*protocol.Request(nil), held...)
		mu.Unlock()

		if !ready {
			return
		}
		for i := len(batch) - 1; i >= 0; i-- {
			r := batch[i]
			c.HandleMessage([]byte(protocol.FormatOK(r.Cookie, []int{len(r.Cookie)})))
			if r.Cookie == "100" {
				c.HandleMessage([]byte("100 OK 1"))
			}
		}
	}

	type outcome struct {
		resp *protocol.Response
		err  error
	}
	results := make(map[protocol.Cookie]outcome)
	var wg sync.WaitGroup
	var rmu sync.Mutex

	for _, cookie := range []protocol.Cookie{"100", "2000"} {
		wg.Add(1)
		go func(cookie protocol.Cookie) {
			defer wg.Done()
			resp, err := c.Send(context.Background(), protocol.NewRegisterRequest(cookie, "0", "3", 1, 1), 2*time.Second)
			rmu.Lock()
			results[cookie] = outcome{resp, err}
			rmu.Unlock()
		}(cookie)
	}
	wg.Wait()

	require.NoError(t, results["100"].err)
	require.NoError(t, results["2000"].err)
	assert.Equal(t, protocol.Cookie("100"), results["100"].resp.Cookie)
	assert.Equal(t, []int{3}, results["100"].resp.Values)
	assert.Equal(t, protocol.Cookie("2000"), results["2000"].resp.Cookie)
	assert.Equal(t, []int{4}, results["2000"].resp.Values)

	// The duplicate delivery for cookie 100 is dropped.
	assert.Equal(t, int64(1), c.Stats().Unmatched)
}

func TestHandleMessage_UnmatchedDoesNotDisturbInFlight(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)
	pub.respond = func(line string) {
		req, _ := protocol.ParseRequest(line)
		c.HandleMessage([]byte("424242 OK 1 2 3"))
		c.HandleMessage([]byte("poll_9_0_35100 OK 5"))
		c.HandleMessage([]byte(protocol.FormatOK(req.Cookie, []int{42})))
	}

	resp, err := c.Send(context.Background(), protocol.NewRegisterRequest("11", "0", "3", 1, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{42}, resp.Values)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Unmatched)
	assert.Equal(t, int64(1), stats.Matched)
}

func TestHandleMessage_MalformedDoesNotResolve(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)
	pub.respond = func(line string) {
		req, _ := protocol.ParseRequest(line)
		c.HandleMessage([]byte("garbage"))
		c.HandleMessage([]byte(string(req.Cookie) + " OK not-a-number"))
		c.HandleMessage([]byte(string(req.Cookie) + " MAYBE"))
	}

	_, err := c.Send(context.Background(), protocol.NewRegisterRequest("12", "0", "3", 1, 1), 100*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, int64(3), c.Stats().DecodeErrors)
}

func TestSend_CookieInUse(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), protocol.NewRegisterRequest("77", "0", "3", 1, 1), 300*time.Millisecond)
		firstDone <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Send(context.Background(), protocol.NewRegisterRequest("77", "0", "3", 2, 1), time.Second)
	assert.ErrorIs(t, err, ErrCookieInUse)

	// The first request keeps its slot and times out on its own.
	assert.ErrorIs(t, <-firstDone, protocol.ErrTimeout)
	assert.Len(t, pub.lines(), 1)

	// Once released the cookie can be reused.
	pub.respond = echoRegisters(c)
	resp, err := c.Send(context.Background(), protocol.NewRegisterRequest("77", "0", "3", 2, 1), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, resp.Values)
}

func TestSend_ManyConcurrent(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)
	pub.respond = echoRegisters(c)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(reg int) {
			defer wg.Done()
			resp, err := c.Send(context.Background(), protocol.NewRegisterRequest(c.NextCookie(), "0", "4", reg, 2), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if resp.Values[0] != reg {
				errs <- fmt.Errorf("register %d got %v", reg, resp.Values)
			}
		}(i * 10)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, int64(50), c.Stats().Matched)
}

func TestNextCookie_Monotonic(t *testing.T) {
	c := New(&loopbackPublisher{}, &Config{CookieBase: 10}, zerolog.Nop())

	assert.Equal(t, protocol.Cookie("11"), c.NextCookie())
	assert.Equal(t, protocol.Cookie("12"), c.NextCookie())

	seeded := New(&loopbackPublisher{}, nil, zerolog.Nop())
	assert.Equal(t, "modbus/request", seeded.RequestTopic())
}

func TestNextCookie_DistinctPerProcess(t *testing.T) {
	seen := make(map[protocol.Cookie]bool)
	for i := 0; i < 20; i++ {
		// Correlators built back to back stand in for processes started together.
		c := New(&loopbackPublisher{}, nil, zerolog.Nop())
		cookie := c.NextCookie()

		_, err := strconv.ParseInt(string(cookie), 10, 64)
		require.NoError(t, err, "cookie %s must fit int64", cookie)
		assert.False(t, seen[cookie], "cookie %s handed out twice", cookie)
		seen[cookie] = true
	}
}

func TestSend_IntegerCookieMatchesCanonicalForm(t *testing.T) {
	tests := []struct {
		name     string
		sent     protocol.Cookie
		answered string
	}{
		{"leading zero request", "099001", "99001"},
		{"leading zero response", "99002", "0099002"},
		{"plus sign", "+99003", "99003"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &loopbackPublisher{}
			c := newTestCorrelator(t, pub)
			pub.respond = func(string) {
				c.HandleMessage([]byte(tt.answered + " OK 7"))
			}

			req := protocol.NewRegisterRequest(tt.sent, "0", protocol.CommandReadHolding, 1, 1)
			resp, err := c.Send(context.Background(), req, time.Second)
			require.NoError(t, err)
			assert.Equal(t, []int{7}, resp.Values)
			assert.Equal(t, []string{string(tt.sent) + " 0 3 1 1"}, pub.lines())
			assert.Zero(t, c.Stats().Unmatched)
		})
	}
}

type recordingMetrics struct {
	mu      sync.Mutex
	events  []string
	pending []int
}

func (m *recordingMetrics) record(e string) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *recordingMetrics) RequestSent(cmd string)                    { m.record("sent:" + cmd) }
func (m *recordingMetrics) ResponseMatched(cmd string, _ time.Duration) { m.record("matched:" + cmd) }
func (m *recordingMetrics) ResponseUnmatched()                        { m.record("unmatched") }
func (m *recordingMetrics) DecodeFailed()                             { m.record("decode") }
func (m *recordingMetrics) RequestTimedOut(cmd string)                { m.record("timeout:" + cmd) }
func (m *recordingMetrics) RemoteError(cmd string)                    { m.record("remote:" + cmd) }
func (m *recordingMetrics) PendingChanged(n int) {
	m.mu.Lock()
	m.pending = append(m.pending, n)
	m.mu.Unlock()
}

func TestMetricsHook(t *testing.T) {
	pub := &loopbackPublisher{}
	c := newTestCorrelator(t, pub)
	metrics := &recordingMetrics{}
	c.SetMetrics(metrics)
	pub.respond = echoRegisters(c)

	_, err := c.Send(context.Background(), protocol.NewRegisterRequest("1", "0", "3", 1, 1), 0)
	require.NoError(t, err)

	pub.respond = nil
	_, err = c.Send(context.Background(), protocol.NewRegisterRequest("2", "0", "4", 1, 1), 50*time.Millisecond)
	require.Error(t, err)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"sent:3", "matched:3", "sent:4", "timeout:4"}, metrics.events)
	assert.Equal(t, []int{1, 0, 1, 0}, metrics.pending)
}
