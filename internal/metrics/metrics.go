// Package metrics counts what the interception layer does at runtime:
// how calls were classified, how many remote requests were issued and
// how they ended, and how much traffic the relays carried.
//
// Every counter is exported twice: through a private Prometheus
// registry (served by [Collector.Handler]) and through lock-free
// atomics read by [Collector.Snapshot].  All methods are safe for
// concurrent use, and a nil *Collector is a valid no-op receiver so
// callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks runtime metrics for one layer instance.
type Collector struct {
	registry *prometheus.Registry

	classified   *prometheus.CounterVec
	requests     *prometheus.CounterVec
	timeouts     prometheus.Counter
	late         prometheus.Counter
	pending      prometheus.Gauge
	relaysActive prometheus.Gauge
	relayBytes   *prometheus.CounterVec
	fallbacks    prometheus.Counter
	errors       prometheus.Counter

	local, remote, denied atomic.Int64
	requestsTotal         atomic.Int64
	timeoutsTotal         atomic.Int64
	lateTotal             atomic.Int64
	pendingNow            atomic.Int64
	relaysNow             atomic.Int64
	relaysTotal           atomic.Int64
	bytesIn, bytesOut     atomic.Int64
	fallbacksTotal        atomic.Int64
	errorsTotal           atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_classified_total", Help: "Intercepted calls by routing decision",
		}, []string{"decision"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_requests_total", Help: "Requests sent to the agent by kind",
		}, []string{"kind"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_request_timeouts_total", Help: "Requests that got no response in time",
		}),
		late: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_late_responses_total", Help: "Responses dropped for unknown or expired ids",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tether_pending_requests", Help: "Requests awaiting a response",
		}),
		relaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tether_relays_active", Help: "Open byte relays",
		}),
		relayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_relay_bytes_total", Help: "Bytes carried by relays",
		}, []string{"direction"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_fallbacks_total", Help: "Remote decisions executed locally after the session closed",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_errors_total", Help: "Errors recorded by the layer",
		}),
	}
	c.registry.MustRegister(c.classified, c.requests, c.timeouts, c.late,
		c.pending, c.relaysActive, c.relayBytes, c.fallbacks, c.errors)
	return c
}

// Registry exposes the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ── Classification ───────────────────────────────────────────────────

// Classified records one routing decision ("local", "remote", "deny").
func (c *Collector) Classified(decision string) {
	if c == nil {
		return
	}
	switch decision {
	case "local":
		c.local.Add(1)
	case "remote":
		c.remote.Add(1)
	case "deny":
		c.denied.Add(1)
	}
	c.classified.WithLabelValues(decision).Inc()
}

// Fallback records a remote decision executed locally because the
// session is gone.
func (c *Collector) Fallback() {
	if c == nil {
		return
	}
	c.fallbacksTotal.Add(1)
	c.fallbacks.Inc()
}

// ── Requests ─────────────────────────────────────────────────────────

// RequestSent records a request of kind entering the pending table.
func (c *Collector) RequestSent(kind string) {
	if c == nil {
		return
	}
	c.requestsTotal.Add(1)
	c.requests.WithLabelValues(kind).Inc()
	c.pendingNow.Add(1)
	c.pending.Inc()
}

// RequestDone records a request leaving the pending table.
func (c *Collector) RequestDone() {
	if c == nil {
		return
	}
	c.pendingNow.Add(-1)
	c.pending.Dec()
}

// RequestTimeout records a request that expired.
func (c *Collector) RequestTimeout() {
	if c == nil {
		return
	}
	c.timeoutsTotal.Add(1)
	c.timeouts.Inc()
}

// LateResponse records a response that matched no pending request.
func (c *Collector) LateResponse() {
	if c == nil {
		return
	}
	c.lateTotal.Add(1)
	c.late.Inc()
}

// PendingRequests returns the current pending count.
func (c *Collector) PendingRequests() int64 {
	if c == nil {
		return 0
	}
	return c.pendingNow.Load()
}

// ── Relays ───────────────────────────────────────────────────────────

// RelayOpened increments the active and total relay counters.
func (c *Collector) RelayOpened() {
	if c == nil {
		return
	}
	c.relaysNow.Add(1)
	c.relaysTotal.Add(1)
	c.relaysActive.Inc()
}

// RelayClosed decrements the active relay counter.
func (c *Collector) RelayClosed() {
	if c == nil {
		return
	}
	c.relaysNow.Add(-1)
	c.relaysActive.Dec()
}

// ActiveRelays returns the number of open relays.
func (c *Collector) ActiveRelays() int64 {
	if c == nil {
		return 0
	}
	return c.relaysNow.Load()
}

// BytesFromRemote records n bytes delivered to a local endpoint.
func (c *Collector) BytesFromRemote(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
	c.relayBytes.WithLabelValues("in").Add(float64(n))
}

// BytesToRemote records n bytes forwarded to the agent.
func (c *Collector) BytesToRemote(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
	c.relayBytes.WithLabelValues("out").Add(float64(n))
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.errors.Inc()
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	ClassifiedLocal  int64  `json:"classified_local"`
	ClassifiedRemote int64  `json:"classified_remote"`
	ClassifiedDeny   int64  `json:"classified_deny"`
	Requests         int64  `json:"requests"`
	Pending          int64  `json:"pending"`
	Timeouts         int64  `json:"timeouts"`
	LateResponses    int64  `json:"late_responses"`
	RelaysActive     int64  `json:"relays_active"`
	RelaysTotal      int64  `json:"relays_total"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	Fallbacks        int64  `json:"fallbacks"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		ClassifiedLocal:  c.local.Load(),
		ClassifiedRemote: c.remote.Load(),
		ClassifiedDeny:   c.denied.Load(),
		Requests:         c.requestsTotal.Load(),
		Pending:          c.pendingNow.Load(),
		Timeouts:         c.timeoutsTotal.Load(),
		LateResponses:    c.lateTotal.Load(),
		RelaysActive:     c.relaysNow.Load(),
		RelaysTotal:      c.relaysTotal.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		Fallbacks:        c.fallbacksTotal.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
