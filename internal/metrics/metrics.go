// Package metrics provides Prometheus instrumentation for the bridge.
// All metric collectors are registered via Init and exposed through the
// Handler for scraping. The Sink type is the dispatcher's fire-and-forget
// metrics collaborator.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts dispatched requests by upstream and outcome kind.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Total requests dispatched, by upstream and outcome",
		},
		[]string{"upstream", "outcome"},
	)

	// RequestDuration observes end-to-end request latency in seconds by upstream.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)

	// AttemptsPerRequest observes how many upstream attempts a request needed.
	AttemptsPerRequest = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_attempts_per_request",
			Help:    "Upstream call attempts per dispatched request",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"upstream"},
	)

	// RetryTotal counts backoff retries by upstream.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"upstream"},
	)

	// CircuitBreakerState exposes the current breaker state per upstream
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"upstream"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"upstream", "from", "to"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// ValidationFailures counts rejected payloads by validation schema.
	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_validation_failures_total",
			Help: "Total request validation failures",
		},
		[]string{"schema"},
	)

	// ActiveRequests tracks the number of in-flight requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_active_requests",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections by route.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"route"},
	)

	// UpstreamResponses counts raw upstream responses by upstream and status.
	UpstreamResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_upstream_responses_total",
			Help: "Total upstream responses by HTTP status",
		},
		[]string{"upstream", "status"},
	)
)

var registerOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; only the first call registers.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestDuration,
			AttemptsPerRequest,
			RetryTotal,
			CircuitBreakerState,
			CircuitBreakerStateChanges,
			AuthFailures,
			ValidationFailures,
			ActiveRequests,
			RateLimitHits,
			UpstreamResponses,
		)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Event summarizes one dispatched request for the metrics collaborator.
type Event struct {
	Upstream string
	Outcome  string // "success" or an error kind name
	Attempts int
	Latency  time.Duration
	Status   int // response status returned to the client
}

// Sink records dispatcher events into the Prometheus collectors.
// Recording is fire-and-forget; it never returns an error.
type Sink struct{}

// Record implements the dispatcher's metrics collaborator contract.
func (Sink) Record(ev Event) {
	RequestsTotal.WithLabelValues(ev.Upstream, ev.Outcome).Inc()
	RequestDuration.WithLabelValues(ev.Upstream).Observe(ev.Latency.Seconds())
	if ev.Attempts > 0 {
		AttemptsPerRequest.WithLabelValues(ev.Upstream).Observe(float64(ev.Attempts))
	}
}
