// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for bypassgate.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bypassgate"

// Provider attempt outcomes used as the "outcome" label.
const (
	OutcomeSuccess   = "success"
	OutcomeTransport = "transport_error"
	OutcomeTimeout   = "timeout"
	OutcomeBadStatus = "bad_status"
	OutcomeRejected  = "rejected"
	OutcomeThrottled = "throttled"
)

// Metrics holds both Prometheus counters and atomic counters for
// fast-path access from the gate and the resolver.
type Metrics struct {
	admitted      int64
	blocked       int64
	blocksStarted int64
	storeErrors   int64
	keyErrors     int64
	resolved      int64
	unresolved    int64

	promAdmitted      prometheus.Counter
	promBlocked       prometheus.Counter
	promBlocksStarted prometheus.Counter
	promStoreErrors   prometheus.Counter
	promKeyErrors     prometheus.Counter

	promProviderAttempts *prometheus.CounterVec
	promResolutions      *prometheus.CounterVec

	PromRequestDuration    *prometheus.HistogramVec
	PromResolutionDuration prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_admitted_total",
			Help:      "Total number of requests admitted by the block gate.",
		}),
		promBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_blocked_total",
			Help:      "Total number of requests rejected because the client is blocked.",
		}),
		promBlocksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_started_total",
			Help:      "Total number of blocks imposed after a burst.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_store_errors_total",
			Help:      "Total number of activity store failures answered from the in-process fallback.",
		}),
		promKeyErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_key_errors_total",
			Help:      "Total number of client identifier extraction errors.",
		}),
		promProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Total provider attempts by provider name and outcome.",
		}, []string{"provider", "outcome"}),
		promResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Total resolutions by outcome.",
		}, []string{"outcome"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromResolutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_duration_seconds",
			Help:      "Time spent walking the provider chain.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}

// IncAdmitted increments the admitted requests counter.
func (m *Metrics) IncAdmitted() {
	atomic.AddInt64(&m.admitted, 1)
	m.promAdmitted.Inc()
}

// IncBlocked increments the blocked requests counter.
func (m *Metrics) IncBlocked() {
	atomic.AddInt64(&m.blocked, 1)
	m.promBlocked.Inc()
}

// IncBlocksStarted increments the counter of newly imposed blocks.
func (m *Metrics) IncBlocksStarted() {
	atomic.AddInt64(&m.blocksStarted, 1)
	m.promBlocksStarted.Inc()
}

// IncStoreErrors increments the activity store error counter.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// IncKeyErrors increments the client key extraction error counter.
func (m *Metrics) IncKeyErrors() {
	atomic.AddInt64(&m.keyErrors, 1)
	m.promKeyErrors.Inc()
}

// IncProviderAttempt records one provider call and its outcome.
func (m *Metrics) IncProviderAttempt(provider, outcome string) {
	m.promProviderAttempts.WithLabelValues(provider, outcome).Inc()
}

// ObserveResolution records a finished resolution.
func (m *Metrics) ObserveResolution(ok bool, d time.Duration) {
	outcome := "failed"
	if ok {
		outcome = OutcomeSuccess
		atomic.AddInt64(&m.resolved, 1)
	} else {
		atomic.AddInt64(&m.unresolved, 1)
	}
	m.promResolutions.WithLabelValues(outcome).Inc()
	m.PromResolutionDuration.Observe(d.Seconds())
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Admitted      int64
	Blocked       int64
	BlocksStarted int64
	StoreErrors   int64
	KeyErrors     int64
	Resolved      int64
	Unresolved    int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:      atomic.LoadInt64(&m.admitted),
		Blocked:       atomic.LoadInt64(&m.blocked),
		BlocksStarted: atomic.LoadInt64(&m.blocksStarted),
		StoreErrors:   atomic.LoadInt64(&m.storeErrors),
		KeyErrors:     atomic.LoadInt64(&m.keyErrors),
		Resolved:      atomic.LoadInt64(&m.resolved),
		Unresolved:    atomic.LoadInt64(&m.unresolved),
	}
}
