package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type marketMetrics struct {
	scoreRequests *prometheus.CounterVec
	payments      *prometheus.CounterVec
	throttles     *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

type analyticsMetrics struct {
	calls        *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	breakerState prometheus.Gauge
}

type meshMetrics struct {
	auditEvents  *prometheus.CounterVec
	deadLetters  prometheus.Counter
	verification *prometheus.CounterVec
	tasks        *prometheus.CounterVec
}

var (
	marketOnce sync.Once
	marketReg  *marketMetrics

	analyticsOnce sync.Once
	analyticsReg  *analyticsMetrics

	meshOnce sync.Once
	meshReg  *meshMetrics
)

// Market returns the lazily-initialised metrics registry tracking producer
// marketplace activity: score deliveries, payment checks and throttles.
func Market() *marketMetrics {
	marketOnce.Do(func() {
		marketReg = &marketMetrics{
			scoreRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "producer",
				Name:      "score_requests_total",
				Help:      "Trust score requests segmented by product and outcome.",
			}, []string{"product", "outcome"}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "producer",
				Name:      "payment_verifications_total",
				Help:      "Payment receipt verifications segmented by result.",
			}, []string{"result"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "producer",
				Name:      "rate_limit_throttles_total",
				Help:      "Requests rejected by the per-consumer rate limiter.",
			}, []string{"product"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "trustmesh",
				Subsystem: "producer",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for trust score handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"product"}),
		}
		prometheus.MustRegister(
			marketReg.scoreRequests,
			marketReg.payments,
			marketReg.throttles,
			marketReg.latency,
		)
	})
	return marketReg
}

// RecordScoreRequest increments the score request counter.
func (m *marketMetrics) RecordScoreRequest(product, outcome string) {
	if m == nil {
		return
	}
	m.scoreRequests.WithLabelValues(normalizeLabel(product), normalizeLabel(outcome)).Inc()
}

// RecordPayment increments the payment verification counter.
func (m *marketMetrics) RecordPayment(result string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(normalizeLabel(result)).Inc()
}

// RecordThrottle increments the throttle counter for a product.
func (m *marketMetrics) RecordThrottle(product string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(product)).Inc()
}

// ObserveLatency records a handler duration in seconds.
func (m *marketMetrics) ObserveLatency(product string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(normalizeLabel(product)).Observe(seconds)
}

// Analytics returns the metrics registry tracking upstream analytics calls.
func Analytics() *analyticsMetrics {
	analyticsOnce.Do(func() {
		analyticsReg = &analyticsMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "analytics",
				Name:      "upstream_calls_total",
				Help:      "Upstream analytics calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "analytics",
				Name:      "cache_hits_total",
				Help:      "Analytics cache hits segmented by freshness.",
			}, []string{"freshness"}),
			breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "trustmesh",
				Subsystem: "analytics",
				Name:      "breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			}),
		}
		prometheus.MustRegister(analyticsReg.calls, analyticsReg.cacheHits, analyticsReg.breakerState)
	})
	return analyticsReg
}

// RecordCall increments the upstream call counter.
func (m *analyticsMetrics) RecordCall(method, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(normalizeLabel(method), normalizeLabel(outcome)).Inc()
}

// RecordCacheHit increments the cache hit counter. Freshness is "fresh" or "stale".
func (m *analyticsMetrics) RecordCacheHit(freshness string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(normalizeLabel(freshness)).Inc()
}

// SetBreakerState publishes the current breaker state.
func (m *analyticsMetrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}

// Mesh returns the metrics registry tracking orchestrator activity.
func Mesh() *meshMetrics {
	meshOnce.Do(func() {
		meshReg = &meshMetrics{
			auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "mesh",
				Name:      "audit_events_total",
				Help:      "Audit events published segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "mesh",
				Name:      "audit_dead_letters_total",
				Help:      "Audit events dropped to the dead-letter list after retry.",
			}),
			verification: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "mesh",
				Name:      "receipt_verifications_total",
				Help:      "On-chain receipt verifications segmented by result.",
			}, []string{"result"}),
			tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "mesh",
				Name:      "task_transitions_total",
				Help:      "Task state transitions segmented by target state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(meshReg.auditEvents, meshReg.deadLetters, meshReg.verification, meshReg.tasks)
	})
	return meshReg
}

// RecordAuditEvent increments the audit event counter.
func (m *meshMetrics) RecordAuditEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// RecordDeadLetter increments the dead-letter counter.
func (m *meshMetrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

// RecordVerification increments the receipt verification counter.
func (m *meshMetrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.verification.WithLabelValues(normalizeLabel(result)).Inc()
}

// RecordTaskTransition increments the task transition counter.
func (m *meshMetrics) RecordTaskTransition(state string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(normalizeLabel(state)).Inc()
}

func normalizeLabel(value string) string {
	normalized := strings.TrimSpace(strings.ToLower(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
