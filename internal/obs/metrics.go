package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Relationship-engine metrics.
var (
	edgesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relate_edges_created_total",
		Help: "Relationship edges auto-created from membership rules.",
	})

	edgesCascadeDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relate_edges_cascade_deleted_total",
		Help: "Relationship edges deleted when their source membership was removed.",
	})

	edgesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relate_edges_skipped_total",
		Help: "Relationship edges not created because an equivalent edge already existed.",
	})

	previewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relate_previews_total",
			Help: "Relationship preview requests.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		edgesCreated, edgesSkipped, edgesCascadeDeleted, previewsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEdgesCreated records edges produced by one engine run.
func ObserveEdgesCreated(n int) {
	if n > 0 {
		edgesCreated.Add(float64(n))
	}
}

// ObserveEdgesSkipped records planned edges suppressed by the existence check.
func ObserveEdgesSkipped(n int) {
	if n > 0 {
		edgesSkipped.Add(float64(n))
	}
}

// ObserveEdgesCascadeDeleted records edges removed by a membership cascade.
func ObserveEdgesCascadeDeleted(n int64) {
	if n > 0 {
		edgesCascadeDeleted.Add(float64(n))
	}
}

// ObservePreview records a preview request outcome ("ok" or "error").
func ObservePreview(outcome string) {
	previewsTotal.WithLabelValues(outcome).Inc()
}

// CanonicalPath collapses resource identifiers so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	rest, ok := strings.CutPrefix(path, "/v1/collectives/")
	if !ok || rest == "" {
		return path
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		return "/v1/collectives/:id"
	case len(parts) == 2 && parts[1] == "members":
		return "/v1/collectives/:id/members"
	case len(parts) == 3 && parts[1] == "members" && parts[2] == "preview":
		return "/v1/collectives/:id/members/preview"
	case len(parts) == 3 && parts[1] == "members":
		return "/v1/collectives/:id/members/:member_id"
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
