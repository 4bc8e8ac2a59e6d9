package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CircuitBreakerMetrics holds the Prometheus instruments bound to one
// backend's circuit breaker. Obtained via NewBackendMetrics, which curries
// the package-wide vectors with a "backend" label so every backend gets its
// own independent series without re-registering collectors.
type CircuitBreakerMetrics struct {
	State            prometheus.Gauge
	Failures         prometheus.Counter
	Successes        prometheus.Counter
	StateChanges     *prometheus.CounterVec
	RequestsBlocked  prometheus.Counter
	HalfOpenRequests prometheus.Counter
	SlowCalls        prometheus.Counter
	CallDuration     *prometheus.HistogramVec
}

var (
	vecState            *prometheus.GaugeVec
	vecFailures         *prometheus.CounterVec
	vecSuccesses        *prometheus.CounterVec
	vecStateChanges     *prometheus.CounterVec
	vecRequestsBlocked  *prometheus.CounterVec
	vecHalfOpenRequests *prometheus.CounterVec
	vecSlowCalls        *prometheus.CounterVec
	vecCallDuration     *prometheus.HistogramVec
	registerVecsOnce    sync.Once
)

// registerVecs registers the package-wide collectors exactly once,
// regardless of how many backends end up currying them.
func registerVecs() {
	registerVecsOnce.Do(func() {
		const namespace, subsystem = "gateway", "backend_circuit_breaker"

		vecState = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Current state of a backend's circuit breaker (0=closed, 1=open, 2=half_open)",
		}, []string{"backend"})

		vecFailures = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Total number of failed upstream calls (includes slow calls)",
		}, []string{"backend"})

		vecSuccesses = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "successes_total",
			Help:      "Total number of successful upstream calls",
		}, []string{"backend"})

		vecStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_changes_total",
			Help:      "Total number of circuit breaker state changes",
		}, []string{"backend", "from", "to"})

		vecRequestsBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_blocked_total",
			Help:      "Total number of requests blocked by an open circuit breaker",
		}, []string{"backend"})

		vecHalfOpenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "half_open_requests_total",
			Help:      "Total number of test requests issued in half-open state",
		}, []string{"backend"})

		vecSlowCalls = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slow_calls_total",
			Help:      "Total number of calls exceeding the slow-call threshold",
		}, []string{"backend"})

		vecCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "call_duration_seconds",
			Help:      "Duration of upstream calls in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 30.0, 60.0},
		}, []string{"backend", "result"})
	})
}

// NewBackendMetrics returns the circuit breaker metrics bound to one
// backend name. Safe to call once per backend at registry construction
// time; the underlying collectors are registered only once process-wide.
func NewBackendMetrics(backend string) *CircuitBreakerMetrics {
	registerVecs()

	return &CircuitBreakerMetrics{
		State:            vecState.WithLabelValues(backend),
		Failures:         vecFailures.WithLabelValues(backend),
		Successes:        vecSuccesses.WithLabelValues(backend),
		StateChanges:     vecStateChanges.MustCurryWith(prometheus.Labels{"backend": backend}),
		RequestsBlocked:  vecRequestsBlocked.WithLabelValues(backend),
		HalfOpenRequests: vecHalfOpenRequests.WithLabelValues(backend),
		SlowCalls:        vecSlowCalls.WithLabelValues(backend),
		CallDuration:     vecCallDuration.MustCurryWith(prometheus.Labels{"backend": backend}),
	}
}

// RecordStateChange records a state transition in metrics.
func (m *CircuitBreakerMetrics) RecordStateChange(from, to CircuitBreakerState) {
	if m.StateChanges != nil {
		m.StateChanges.WithLabelValues(from.String(), to.String()).Inc()
	}
	if m.State != nil {
		m.State.Set(float64(to))
	}
}
