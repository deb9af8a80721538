// Package metrics exposes Prometheus collectors for the poller and the job
// server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_queries_total",
			Help: "Total number of status queries issued, labeled by result.",
		},
		[]string{"result"},
	)

	pollEpochsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_epochs_total",
			Help: "Total number of polling epochs finished, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	pollActiveEpochs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poll_active_epochs",
			Help: "Number of polling loops currently running.",
		},
	)

	pollBackoffDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poll_backoff_delay_seconds",
			Help:    "Histogram of applied backoff delays between status queries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		},
	)

	jobserverRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobserver_requests_total",
			Help: "Total number of status requests answered by the job server, labeled by result.",
		},
		[]string{"result"},
	)

	jobserverTrackedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobserver_tracked_jobs",
			Help: "Number of correlation ids currently tracked by the job server.",
		},
	)

	jobserverEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobserver_evictions_total",
			Help: "Total number of idle correlation ids evicted by the sweep.",
		},
	)

	jobserverRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobserver_rate_limited_total",
			Help: "Total number of status requests rejected by the per-client rate limiter.",
		},
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
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveQuery counts one status query by its mapped result
// (pending, completed, failed, unknown, transport_error).
func ObserveQuery(result string) {
	pollQueriesTotal.WithLabelValues(result).Inc()
}

// ObserveEpoch counts a finished epoch by terminal state.
func ObserveEpoch(outcome string) {
	pollEpochsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveEpochs increments the running loop gauge.
func IncActiveEpochs() {
	pollActiveEpochs.Inc()
}

// DecActiveEpochs decrements the running loop gauge.
func DecActiveEpochs() {
	pollActiveEpochs.Dec()
}

// ObserveBackoff records an applied backoff delay.
func ObserveBackoff(delay time.Duration) {
	pollBackoffDelaySeconds.Observe(delay.Seconds())
}

// ObserveJobServerRequest counts a status answer served by the job server.
func ObserveJobServerRequest(result string) {
	jobserverRequestsTotal.WithLabelValues(result).Inc()
}

// SetTrackedJobs sets the tracked correlation gauge.
func SetTrackedJobs(n int) {
	jobserverTrackedJobs.Set(float64(n))
}

// ObserveEvictions adds n evicted correlation ids.
func ObserveEvictions(n int) {
	if n > 0 {
		jobserverEvictionsTotal.Add(float64(n))
	}
}

// ObserveRateLimited counts one rejected request.
func ObserveRateLimited() {
	jobserverRateLimitedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
