// Package metrics provides Prometheus metrics for funnel builds.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Patch metrics
	patchesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_patches_applied_total",
			Help: "Total number of patches applied to output trees",
		},
		[]string{"projection", "op"},
	)

	// Build metrics
	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_builds_total",
			Help: "Total number of build passes",
		},
		[]string{"projection", "mode", "status"},
	)

	buildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funnel_build_duration_seconds",
			Help:    "Build pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"projection"},
	)

	destinationCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "funnel_destination_cache_size",
			Help: "Number of memoized destination paths",
		},
		[]string{"projection"},
	)

	// Watch metrics
	watchEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funnel_watch_events_total",
			Help: "Total filesystem events seen by the watcher",
		},
	)

	rebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_rebuilds_total",
			Help: "Total rebuilds triggered by the watcher",
		},
		[]string{"status"},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPatch records one applied patch.
func RecordPatch(projection, op string) {
	patchesAppliedTotal.WithLabelValues(projection, op).Inc()
}

// RecordBuild records a finished build pass. Mode is "linked" for the
// root-link fast path and "filtered" otherwise.
func RecordBuild(projection, mode string, duration time.Duration, success bool) {
	buildsTotal.WithLabelValues(projection, mode, status(success)).Inc()
	buildDuration.WithLabelValues(projection).Observe(duration.Seconds())
}

func SetDestinationCacheSize(projection string, n int) {
	destinationCacheSize.WithLabelValues(projection).Set(float64(n))
}

// RecordWatchEvent records a filesystem event seen by the watcher.
func RecordWatchEvent() {
	watchEventsTotal.Inc()
}

// RecordRebuild records a watcher-triggered rebuild.
func RecordRebuild(success bool) {
	rebuildsTotal.WithLabelValues(status(success)).Inc()
}

// RecordHTTPRequest records a request to the metrics server.
func RecordHTTPRequest(method, path string) {
	httpRequestsTotal.WithLabelValues(method, path).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
