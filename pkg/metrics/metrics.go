// Package metrics exposes the process-wide Prometheus registry and the
// request-level instruments that don't belong to any single component
// (router and circuit breaker each register their own).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch tracks dispatcher-level outcomes across the full
// Selecting/Attempting/Decision lifecycle: one observation per inbound
// request, labeled by the endpoint and the terminal HTTP status served to
// the client.
type Dispatch struct {
	Requests    *prometheus.CounterVec
	RetryLength prometheus.Histogram
	AuditDrops  prometheus.Counter
}

var (
	requests    *prometheus.CounterVec
	retryLength prometheus.Histogram
	auditDrops  prometheus.Counter
)

// New registers the dispatcher-level collectors with the default registry.
// Safe to call once at process startup.
func New() *Dispatch {
	if requests == nil {
		requests = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total number of inbound requests by endpoint and final HTTP status",
		}, []string{"endpoint", "status"})

		retryLength = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "dispatch",
			Name:      "retry_path_length",
			Help:      "Number of backends attempted before a request reached Success or Exhausted",
			Buckets:   prometheus.LinearBuckets(1, 1, 6),
		})

		auditDrops = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "audit",
			Name:      "records_dropped_total",
			Help:      "Total number of audit records dropped due to channel overflow",
		})
	}

	return &Dispatch{Requests: requests, RetryLength: retryLength, AuditDrops: auditDrops}
}

// RecordRequest records one completed dispatch: its endpoint, the status
// served, and how many backends were attempted along the way.
func (d *Dispatch) RecordRequest(endpoint string, status int, retryPathLen int) {
	d.Requests.WithLabelValues(endpoint, statusLabel(status)).Inc()
	if retryPathLen > 0 {
		d.RetryLength.Observe(float64(retryPathLen))
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "aborted"
	}
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}

// Handler returns the HTTP handler serving /metrics in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
