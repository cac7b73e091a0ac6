package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinicore/chartpipe/internal/adapter/httpserver"
	"github.com/clinicore/chartpipe/internal/adapter/observability"
	"github.com/clinicore/chartpipe/internal/adapter/ws"
	"github.com/clinicore/chartpipe/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(api chi.Router) {
		// The WebSocket endpoint holds connections open, so it stays
		// outside the request timeout.
		api.Get("/ws", ws.ServeWS(hub, cfg.WSPingInterval))

		api.Group(func(g chi.Router) {
			g.Use(httpserver.TimeoutMiddleware(30 * time.Second))

			// Mutating endpoints are rate limited per client IP.
			g.Group(func(wr chi.Router) {
				wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
				wr.Post("/charts/upload", srv.UploadHandler())
				wr.Put("/charts/{chartNumber}/modifications", srv.SaveModificationsHandler())
				wr.Post("/charts/{chartNumber}/submit", srv.SubmitHandler())
				wr.Put("/charts/{chartNumber}/review-status", srv.ReviewStatusHandler())
				wr.Delete("/charts/{chartNumber}", srv.DeleteChartHandler())
				wr.Post("/admin/charts/{chartNumber}/retry", srv.RetryChartHandler())
				wr.Post("/admin/jobs/{id}/retry", srv.RetryJobHandler())
			})

			g.Get("/charts", srv.ListChartsHandler())
			g.Get("/charts/{chartNumber}", srv.GetChartHandler())
			g.Get("/charts/session/{sessionID}", srv.GetChartBySessionHandler())
			g.Get("/charts/{chartNumber}/documents", srv.ListChartDocumentsHandler())
			g.Get("/charts/{chartNumber}/jobs", srv.ChartJobsHandler())
			g.Get("/charts/{chartNumber}/job-status", srv.ChartJobStatusHandler())
			g.Get("/jobs/{id}", srv.GetJobHandler())
			g.Get("/documents/{id}/download", srv.DocumentDownloadHandler())
			g.Get("/queue/stats", srv.QueueStatsHandler())
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
