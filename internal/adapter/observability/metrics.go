package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of job failures by outcome",
		},
		[]string{"outcome"}, // retry or permanent
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs per queue status",
		},
		[]string{"status"},
	)

	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "document_extraction_duration_seconds",
			Help:    "Per-document text extraction duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"}, // ocr, text, word
	)
	ExtractionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "document_extraction_failures_total",
			Help: "Per-document extraction failures",
		},
		[]string{"kind"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"}, // coding, summary
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Currently connected WebSocket clients",
		},
	)
	NotificationsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_forwarded_total",
			Help: "Database notifications forwarded to WebSocket subscribers",
		},
		[]string{"channel"},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ExtractionDuration)
	prometheus.MustRegister(ExtractionFailuresTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(NotificationsForwardedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
