// Package metrics exposes Prometheus collectors for the venue crawler.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerItemsTotal             *prometheus.CounterVec
	crawlerRenderDurationSeconds  *prometheus.HistogramVec
	crawlerDeliveryAttemptsTotal  *prometheus.CounterVec
	crawlerRunsTotal              *prometheus.CounterVec
	crawlerGovernorInFlight       *prometheus.GaugeVec
	crawlerGovernorWaitSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerArtifactsTotal         *prometheus.CounterVec
	crawlerProgressDroppedTotal   *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of listing pages visited, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		crawlerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Listing items seen, labeled by source and kind (raw, new, delivered, dropped).",
			},
			[]string{"source", "kind"},
		)

		crawlerRenderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_render_duration_seconds",
				Help:    "Histogram of page render latencies, labeled by site and result.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"site", "result"},
		)

		crawlerDeliveryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_delivery_attempts_total",
				Help: "Batch delivery attempts, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Finished crawl runs, labeled by source and stop reason.",
			},
			[]string{"source", "reason"},
		)

		crawlerGovernorInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_governor_in_flight",
				Help: "Render operations currently holding a governor slot, labeled by role.",
			},
			[]string{"role"},
		)

		crawlerGovernorWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_governor_wait_seconds",
				Help:    "Histogram of time spent waiting for a governor slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"role"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerArtifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_debug_artifacts_total",
				Help: "Debug artifacts written, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		crawlerProgressDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_progress_events_dropped_total",
				Help: "Progress events dropped because the hub buffer was full, labeled by stage.",
			},
			[]string{"stage"},
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

// ObservePage counts one listing page decision.
func ObservePage(source, outcome string) {
	Init()
	crawlerPagesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveItems adds n items of the given kind.
func ObserveItems(source, kind string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerItemsTotal.WithLabelValues(source, kind).Add(float64(n))
}

// ObserveRender records a render latency.
func ObserveRender(site, result string, duration time.Duration) {
	Init()
	crawlerRenderDurationSeconds.WithLabelValues(SanitizeSite(site), result).Observe(duration.Seconds())
}

// ObserveDeliveryAttempt counts one delivery attempt.
func ObserveDeliveryAttempt(source, result string) {
	Init()
	crawlerDeliveryAttemptsTotal.WithLabelValues(source, result).Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(source, reason string) {
	Init()
	crawlerRunsTotal.WithLabelValues(source, reason).Inc()
}

// IncGovernorInFlight increments the in-flight gauge for role.
func IncGovernorInFlight(role string) {
	Init()
	crawlerGovernorInFlight.WithLabelValues(role).Inc()
}

// DecGovernorInFlight decrements the in-flight gauge for role.
func DecGovernorInFlight(role string) {
	Init()
	crawlerGovernorInFlight.WithLabelValues(role).Dec()
}

// ObserveGovernorWait records how long a task queued for a slot.
func ObserveGovernorWait(role string, duration time.Duration) {
	Init()
	crawlerGovernorWaitSeconds.WithLabelValues(role).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveArtifact counts a debug artifact write.
func ObserveArtifact(kind, result string) {
	Init()
	crawlerArtifactsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveProgressDropped counts a progress event lost to backpressure.
func ObserveProgressDropped(stage string) {
	Init()
	crawlerProgressDroppedTotal.WithLabelValues(stage).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
