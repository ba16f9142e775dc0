// Package metrics exposes Prometheus collectors for the orchestrator's
// outbound calls and its status server.
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
	providerCallsTotal         *prometheus.CounterVec
	providerCallSeconds        *prometheus.HistogramVec
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	artifactsStoredTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genfleet_provider_calls_total",
				Help: "Browser provider API calls, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		providerCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genfleet_provider_call_seconds",
				Help:    "Browser provider API latency, labeled by operation.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"op"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genfleet_downloads_total",
				Help: "Artifact downloads, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genfleet_download_bytes_total",
				Help: "Artifact bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		artifactsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genfleet_artifacts_stored_total",
				Help: "Artifacts written to the blob store, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genfleet_http_requests_total",
				Help: "Status server requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genfleet_http_request_duration_seconds",
				Help:    "Status server latency, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genfleet_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by key.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if strings.HasPrefix(rawURL, "data:") {
		return "inline"
	}
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

// ObserveProviderCall records one browser provider API call.
func ObserveProviderCall(op, result string, duration time.Duration) {
	Init()
	providerCallsTotal.WithLabelValues(op, result).Inc()
	providerCallSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveDownload records one artifact download.
func ObserveDownload(source, status string, bytesFetched int) {
	Init()
	site := SanitizeSite(source)
	downloadsTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		downloadBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveArtifactStored records one blob store write.
func ObserveArtifactStored(result string) {
	Init()
	artifactsStoredTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}
