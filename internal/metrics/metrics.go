// Package metrics exposes Prometheus collectors for the stamp crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeTransient   = "transient"
	OutcomeFatal       = "fatal"
	OutcomeRateLimited = "rate_limited"
	OutcomeCanceled    = "canceled"
)

// Job outcomes recorded by the runner.
const (
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobSkipped   = "skipped"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	fetchBytesTotal            prometheus.Counter
	courtesyWaitSeconds        prometheus.Histogram
	jobsTotal                  *prometheus.CounterVec
	jobsExhaustedTotal         prometheus.Counter
	jobsReapedTotal            prometheus.Counter
	matchTotal                 *prometheus.CounterVec
	runActive                  prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stampcrawler_fetch_attempts_total",
				Help: "Total number of HTTP fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stampcrawler_fetch_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stampcrawler_fetch_bytes_total",
				Help: "Total number of body bytes fetched.",
			},
		)

		courtesyWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stampcrawler_courtesy_wait_seconds",
				Help:    "Histogram of time spent waiting on the courtesy delay gate.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stampcrawler_jobs_total",
				Help: "Total number of crawl jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobsExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stampcrawler_jobs_exhausted_total",
				Help: "Total number of crawl jobs that reached the attempt ceiling.",
			},
		)

		jobsReapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stampcrawler_jobs_reaped_total",
				Help: "Total number of orphaned in_progress jobs returned to the failed state.",
			},
		)

		matchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stampcrawler_match_total",
				Help: "Total number of station match attempts, labeled by match type.",
			},
			[]string{"match_type"},
		)

		runActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stampcrawler_run_active",
				Help: "1 while a drain of the job queue is in progress.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt records one HTTP attempt made by the fetcher.
func ObserveFetchAttempt(outcome string, duration time.Duration, bytesFetched int) {
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveCourtesyWait records time spent blocked on the fetch gate.
func ObserveCourtesyWait(duration time.Duration) {
	courtesyWaitSeconds.Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobExhausted counts a job that will not be leased again until reset.
func ObserveJobExhausted() {
	jobsExhaustedTotal.Inc()
}

// ObserveJobsReaped counts orphaned leases returned to the failed state.
func ObserveJobsReaped(n int) {
	if n > 0 {
		jobsReapedTotal.Add(float64(n))
	}
}

// ObserveMatch increments the match counter for the given match type.
func ObserveMatch(matchType string) {
	matchTotal.WithLabelValues(matchType).Inc()
}

// SetRunActive flips the run gauge.
func SetRunActive(active bool) {
	if active {
		runActive.Set(1)
		return
	}
	runActive.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
