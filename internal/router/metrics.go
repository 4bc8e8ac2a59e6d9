package router

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks routing outcomes: how often a model resolves to a
// candidate set versus model_not_found, and how long matching takes.
type Metrics struct {
	Matches  *prometheus.CounterVec
	Misses   prometheus.Counter
	Duration prometheus.Histogram
}

// NewMetrics registers the routing metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Matches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "matches_total",
			Help:      "Total number of requests routed to at least one candidate, by chosen backend",
		}, []string{"backend"}),

		Misses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "misses_total",
			Help:      "Total number of requests for which no backend matched (model_not_found)",
		}),

		Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "route_duration_seconds",
			Help:      "Time to compute the candidate ordering for a request",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 10),
		}),
	}
}

// RecordRoute records the outcome of one Route call.
func (m *Metrics) RecordRoute(chosen string, duration time.Duration) {
	m.Matches.WithLabelValues(chosen).Inc()
	m.Duration.Observe(duration.Seconds())
}

// RecordMiss records a model_not_found outcome.
func (m *Metrics) RecordMiss(duration time.Duration) {
	m.Misses.Inc()
	m.Duration.Observe(duration.Seconds())
}

var (
	singleton     *Metrics
	singletonOnce sync.Once
)

// metrics returns the process-wide router Metrics, constructing it on first
// use so every call to Route shares one set of registered collectors
// instead of each caller needing its own Metrics wired through by hand.
func metrics() *Metrics {
	singletonOnce.Do(func() {
		singleton = NewMetrics()
	})
	return singleton
}
