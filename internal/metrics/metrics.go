// Package metrics exposes Prometheus collectors for the tokenlens service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	eventStreamsActive         prometheus.Gauge
	diffCacheLookupsTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		eventStreamsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenlens_event_streams_active",
				Help: "Number of scan progress event streams currently open.",
			},
		)

		diffCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenlens_diff_cache_lookups_total",
				Help: "Total diff cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncEventStreams increments the open event stream gauge.
func IncEventStreams() {
	eventStreamsActive.Inc()
}

// DecEventStreams decrements the open event stream gauge.
func DecEventStreams() {
	eventStreamsActive.Dec()
}

// ObserveDiffCacheLookup records a diff cache hit or miss.
func ObserveDiffCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	diffCacheLookupsTotal.WithLabelValues(result).Inc()
}
