package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resident-x/go-mmgbridge/internal/scheduler"
)

const namespace = "mmgbridge"

// Metrics exports correlator and poller activity as Prometheus metrics.
// It implements correlator.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsSent     *prometheus.CounterVec
	responsesMatched *prometheus.CounterVec
	responseLatency  *prometheus.HistogramVec
	timeouts         *prometheus.CounterVec
	remoteErrors     *prometheus.CounterVec
	unmatched        prometheus.Counter
	decodeErrors     prometheus.Counter
	pending          prometheus.Gauge

	pollCycles   prometheus.Counter
	pollDuration prometheus.Histogram
	pollResults  *prometheus.CounterVec
}

// NewMetrics creates the collectors on their own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Requests published to the gateway.",
		}, []string{"command"}),
		responsesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_matched_total",
			Help:      "Responses delivered to a waiting request.",
		}, []string{"command"}),
		responseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_seconds",
			Help:      "Time from publishing a request to its matched response.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"command"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Requests that received no response in time.",
		}, []string{"command"}),
		remoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "ERR responses returned by the gateway.",
		}, []string{"command"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_unmatched_total",
			Help:      "Responses dropped because no request was pending for their cookie.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed response lines dropped.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a response.",
		}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of poll cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		pollResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_results_total",
			Help:      "Poll range results by outcome.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.requestsSent, m.responsesMatched, m.responseLatency, m.timeouts, m.remoteErrors,
		m.unmatched, m.decodeErrors, m.pending,
		m.pollCycles, m.pollDuration, m.pollResults,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestSent(command string) {
	m.requestsSent.WithLabelValues(command).Inc()
}

func (m *Metrics) ResponseMatched(command string, latency time.Duration) {
	m.responsesMatched.WithLabelValues(command).Inc()
	m.responseLatency.WithLabelValues(command).Observe(latency.Seconds())
}

func (m *Metrics) ResponseUnmatched() {
	m.unmatched.Inc()
}

func (m *Metrics) DecodeFailed() {
	m.decodeErrors.Inc()
}

func (m *Metrics) RequestTimedOut(command string) {
	m.timeouts.WithLabelValues(command).Inc()
}

func (m *Metrics) RemoteError(command string) {
	m.remoteErrors.WithLabelValues(command).Inc()
}

func (m *Metrics) PendingChanged(n int) {
	m.pending.Set(float64(n))
}

// ObserveCycle records one poll cycle. It is registered with Poller.OnCycle.
func (m *Metrics) ObserveCycle(c *scheduler.Cycle) {
	m.pollCycles.Inc()
	m.pollDuration.Observe(c.Duration.Seconds())

	ok := c.Succeeded()
	m.pollResults.WithLabelValues("ok").Add(float64(ok))
	m.pollResults.WithLabelValues("failed").Add(float64(len(c.Results) - ok))
}
