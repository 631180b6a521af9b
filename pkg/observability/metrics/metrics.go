// Package metrics exposes Prometheus metrics for the routing core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatchAttempts counts provider attempts by outcome.
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_dispatch_attempts_total",
			Help: "The total number of upstream dispatch attempts",
		},
		[]string{"provider", "outcome"},
	)

	// DispatchAttemptLatency tracks per-attempt upstream latency.
	DispatchAttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_dispatch_attempt_latency_seconds",
			Help:    "The duration of individual upstream provider attempts in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// DispatchRequests counts end-to-end dispatches by result.
	DispatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_dispatch_requests_total",
			Help: "The total number of dispatch requests by final result",
		},
		[]string{"model", "result"},
	)

	// CircuitState reports the breaker state per provider/model pair
	// (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelmux_circuit_state",
			Help: "Circuit breaker state per provider/model pair (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider", "model"},
	)

	// CircuitTransitions counts breaker state transitions.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_circuit_transitions_total",
			Help: "The total number of circuit breaker state transitions",
		},
		[]string{"provider", "model", "to"},
	)

	// RateLimitDecisions counts rate limit evaluations by layer and verdict.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_ratelimit_decisions_total",
			Help: "The total number of rate limit decisions by layer and verdict",
		},
		[]string{"layer", "verdict"},
	)

	// StoreDegraded counts fallbacks to local state when the shared store is unreachable.
	StoreDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_store_degraded_total",
			Help: "The total number of operations served by the local fallback because the shared store was unreachable",
		},
		[]string{"component"},
	)

	// LockAcquisitions counts sync lock acquire attempts by result.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_sync_lock_acquisitions_total",
			Help: "The total number of sync lock acquire attempts by result",
		},
		[]string{"key", "result"},
	)

	// RegistrySnapshotModels reports the model count of the active registry snapshot.
	RegistrySnapshotModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelmux_registry_models",
			Help: "The number of canonical models in the active registry snapshot",
		},
	)
)

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
