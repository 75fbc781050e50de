// Package metrics exposes Prometheus collectors for the harvester.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	recordsSkippedTotal        *prometheus.CounterVec
	geocodeLookupsTotal        *prometheus.CounterVec
	batchWriteSeconds          *prometheus.HistogramVec
	retriesTotal               *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	stepsTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_fetches_total",
				Help: "Upstream fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_fetch_bytes_total",
				Help: "Bytes fetched from upstream, labeled by site.",
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_records_written_total",
				Help: "Listings upserted, labeled by source.",
			},
			[]string{"source"},
		)

		recordsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_records_skipped_total",
				Help: "Upstream records dropped before writing, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		geocodeLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_geocode_lookups_total",
				Help: "Geocoding attempts, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		batchWriteSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carharvest_batch_write_seconds",
				Help:    "Latency of batch upserts, labeled by source.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"source"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_job_retries_total",
				Help: "Job restarts after transient failures, labeled by job.",
			},
			[]string{"job"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carharvest_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"key"},
		)

		stepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_steps_total",
				Help: "Harvest steps completed, labeled by source.",
			},
			[]string{"source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carharvest_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carharvest_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts one upstream fetch.
func ObserveFetch(rawURL string, status string, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchesTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveWritten counts upserted listings.
func ObserveWritten(source string, n int) {
	Init()
	if n > 0 {
		recordsTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveSkipped counts a dropped upstream record.
func ObserveSkipped(source, reason string) {
	Init()
	recordsSkippedTotal.WithLabelValues(source, reason).Inc()
}

// ObserveGeocode counts one provider attempt.
func ObserveGeocode(provider, outcome string) {
	Init()
	geocodeLookupsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveBatchWrite records an upsert latency.
func ObserveBatchWrite(source string, duration time.Duration) {
	Init()
	batchWriteSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRetry counts a job restart.
func ObserveRetry(job string) {
	Init()
	retriesTotal.WithLabelValues(job).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveStep counts a completed harvest step.
func ObserveStep(source string) {
	Init()
	stepsTotal.WithLabelValues(source).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
