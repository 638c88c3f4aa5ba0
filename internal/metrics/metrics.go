package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// AdmissionRequests counts decisions by verdict.
	AdmissionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_requests_total",
			Help: "Total admission requests by decision (allowed, denied)",
		},
		[]string{"decision"},
	)

	// AdmissionRequestsByKind breaks decisions down by resource kind and
	// operation.
	AdmissionRequestsByKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_requests_by_kind_total",
			Help: "Admission requests by resource kind, operation and decision",
		},
		[]string{"kind", "operation", "decision"},
	)

	// AdmissionDuration tracks request processing time.
	AdmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_request_duration_seconds",
			Help:    "Admission request processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CacheHits counts decisions served from the decision cache.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_cache_hits_total",
			Help: "Decision cache hits",
		},
	)

	// CacheMisses counts requests that required a fresh evaluation.
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_cache_misses_total",
			Help: "Decision cache misses",
		},
	)

	// PolicyViolations counts individual rule violations by family,
	// including violations recorded in warn mode.
	PolicyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_policy_violations_total",
			Help: "Rule violations by rule family, including warn-mode violations",
		},
		[]string{"family"},
	)
)

func init() {
	// Register metrics with controller-runtime's registry
	metrics.Registry.MustRegister(
		AdmissionRequests,
		AdmissionRequestsByKind,
		AdmissionDuration,
		CacheHits,
		CacheMisses,
		PolicyViolations,
	)
}
