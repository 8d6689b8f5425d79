package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ota_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ota_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	pollChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota_layer",
			Subsystem: "loader",
			Name:      "poll_checks_total",
			Help:      "Total number of bundle manifest checks.",
		},
		[]string{"result"},
	)

	bundleDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota_layer",
			Subsystem: "loader",
			Name:      "downloads_total",
			Help:      "Total number of bundle downloads.",
		},
		[]string{"status"},
	)

	bundleDownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ota_layer",
			Subsystem: "loader",
			Name:      "download_bytes_total",
			Help:      "Total bytes of downloaded bundle source.",
		},
	)

	bundleDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ota_layer",
			Subsystem: "loader",
			Name:      "download_duration_seconds",
			Help:      "Duration of bundle downloads.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	bundleExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota_layer",
			Subsystem: "registry",
			Name:      "executions_total",
			Help:      "Total number of bundle executions.",
		},
		[]string{"status"},
	)

	bundleExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ota_layer",
			Subsystem: "registry",
			Name:      "execution_duration_seconds",
			Help:      "Duration of bundle executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"status"},
	)

	sessionComponents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ota_layer",
			Subsystem: "registry",
			Name:      "session_components",
			Help:      "Number of session-layer components currently installed.",
		},
	)

	sessionServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ota_layer",
			Subsystem: "registry",
			Name:      "session_services",
			Help:      "Number of session-layer services currently installed.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		pollChecks,
		bundleDownloads,
		bundleDownloadBytes,
		bundleDownloadDuration,
		bundleExecutions,
		bundleExecutionDuration,
		sessionComponents,
		sessionServices,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPollCheck records the outcome of one manifest check. Result is one
// of "new-bundle", "unchanged", "no-bundle", "error", "session-not-found".
func RecordPollCheck(result string) {
	if result == "" {
		result = "unknown"
	}
	pollChecks.WithLabelValues(result).Inc()
}

// RecordDownload records one bundle download attempt.
func RecordDownload(status string, size int64, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	bundleDownloads.WithLabelValues(status).Inc()
	if size > 0 {
		bundleDownloadBytes.Add(float64(size))
	}
	bundleDownloadDuration.Observe(duration.Seconds())
}

// RecordExecution records one bundle execution attempt.
func RecordExecution(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	bundleExecutions.WithLabelValues(status).Inc()
	bundleExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetSessionLayerSize publishes the current session-layer occupancy.
func SetSessionLayerSize(components, services int) {
	sessionComponents.Set(float64(components))
	sessionServices.Set(float64(services))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] != "components" && parts[0] != "services" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	// Collapse per-name lookups so label cardinality stays bounded.
	return "/" + parts[0] + "/:name"
}
