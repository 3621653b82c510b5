// Package metrics exposes Prometheus collectors for the collection service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_requests_total",
			Help: "Total number of middleware requests, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	requestRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_request_retries_total",
			Help: "Total number of retry attempts issued by the request middleware.",
		},
		[]string{"site"},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_rate_limit_delay_seconds",
			Help:    "Histogram of rate limiter wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_breaker_transitions_total",
			Help: "Circuit breaker state transitions, labeled by breaker and target state.",
		},
		[]string{"breaker", "to"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collector_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"breaker"},
	)

	retryDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_retry_dispatch_total",
			Help: "Failed-task retry attempts dispatched by the scheduler, labeled by task type and result.",
		},
		[]string{"task_type", "result"},
	)

	retryQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_retry_queue_ready",
			Help: "Number of failed tasks ready for retry at the last scheduler scan.",
		},
	)

	activeRetryWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_retry_active_workers",
			Help: "Number of retry handlers currently running.",
		},
	)

	statePersistSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_state_persist_seconds",
			Help:    "Histogram of full state rewrite durations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	integrityFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_integrity_findings_total",
			Help: "Integrity validation findings, labeled by severity.",
		},
		[]string{"severity"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records the outcome of one middleware request.
func ObserveRequest(rawURL, outcome string) {
	requestsTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveRetry records one retry attempt for the URL's site.
func ObserveRetry(rawURL string) {
	requestRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveBreakerTransition records a breaker moving into state to.
func ObserveBreakerTransition(name, to string) {
	breakerTransitionsTotal.WithLabelValues(name, to).Inc()
	var v float64
	switch to {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}

// ObserveRetryDispatch records the result of a scheduler-driven retry.
func ObserveRetryDispatch(taskType, result string) {
	retryDispatchTotal.WithLabelValues(taskType, result).Inc()
}

// SetRetryQueueReady sets the number of ready tasks seen by the last scan.
func SetRetryQueueReady(n int) {
	retryQueueSize.Set(float64(n))
}

// IncActiveRetryWorkers increments the active retry worker gauge.
func IncActiveRetryWorkers() {
	activeRetryWorkers.Inc()
}

// DecActiveRetryWorkers decrements the active retry worker gauge.
func DecActiveRetryWorkers() {
	activeRetryWorkers.Dec()
}

// ObserveStatePersist records how long a full state rewrite took.
func ObserveStatePersist(duration time.Duration) {
	statePersistSeconds.Observe(duration.Seconds())
}

// ObserveIntegrityFindings adds validation findings for a severity.
func ObserveIntegrityFindings(severity string, n int) {
	if n <= 0 {
		return
	}
	integrityFindingsTotal.WithLabelValues(severity).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
