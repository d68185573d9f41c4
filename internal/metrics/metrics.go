// Package metrics exposes process-wide Prometheus collectors for the ingest
// service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                     *prometheus.CounterVec
	fetchBytesTotal                *prometheus.CounterVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec
	robotsTLSHandshakeTimeoutTotal prometheus.Counter
	jobsTotal                      *prometheus.CounterVec
	analysisRunningJobs            prometheus.Gauge
	analysisAdmissionsTotal        *prometheus.CounterVec
	analysisBatchRetriesTotal      prometheus.Counter
	analysisBatchesTotal           *prometheus.CounterVec
	rateLimitDelaysSeconds         *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call repeatedly;
// every Observe helper calls it.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_total",
				Help: "Total number of fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		robotsTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_robots_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while fetching robots.txt.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Total number of jobs that reached a terminal state, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		analysisRunningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_analysis_running_jobs",
				Help: "Number of analysis jobs currently holding a slot.",
			},
		)

		analysisAdmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_analysis_admissions_total",
				Help: "Analysis admission decisions, labeled by result.",
			},
			[]string{"result"},
		)

		analysisBatchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_analysis_batch_retries_total",
				Help: "Total retries of analysis batches after transient failures.",
			},
		)

		analysisBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_analysis_batches_total",
				Help: "Finished analysis batches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

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

// ObserveFetch counts one fetch of rawURL.
func ObserveFetch(rawURL string, outcome string, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsTLSHandshakeTimeout counts a robots.txt handshake timeout.
func ObserveRobotsTLSHandshakeTimeout() {
	Init()
	robotsTLSHandshakeTimeoutTotal.Inc()
}

// ObserveJob counts a job reaching a terminal status.
func ObserveJob(kind, status string) {
	Init()
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// IncAnalysisRunning increments the running analysis gauge.
func IncAnalysisRunning() {
	Init()
	analysisRunningJobs.Inc()
}

// DecAnalysisRunning decrements the running analysis gauge.
func DecAnalysisRunning() {
	Init()
	analysisRunningJobs.Dec()
}

// ObserveAdmission records an admission decision ("admitted" or "rejected").
func ObserveAdmission(result string) {
	Init()
	analysisAdmissionsTotal.WithLabelValues(result).Inc()
}

// ObserveBatchRetry counts one batch retry.
func ObserveBatchRetry() {
	Init()
	analysisBatchRetriesTotal.Inc()
}

// ObserveBatch counts a finished batch ("succeeded" or "failed").
func ObserveBatch(outcome string) {
	Init()
	analysisBatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
