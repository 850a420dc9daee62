// Package app wires configuration, adapters, and services into a running
// control plane.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tesseralabs/tessera/internal/adapter/httpserver"
	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input allows everything.
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

// Readiness reports whether the process can serve traffic; the database ping
// backs it.
type Readiness func(r *http.Request) error

// BuildRouter constructs the HTTP handler with all middleware and routes.
// Worker and operator endpoints live under /api/internal so the edge can
// firewall them separately from /api/v1.
func BuildRouter(cfg config.Config, auth *httpserver.Authenticator, srv *httpserver.Server, internal *httpserver.InternalServer, ready Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		api.Use(auth.Require)

		api.Post("/jobs", srv.SubmitJob)
		api.Get("/jobs", srv.ListJobs)
		api.Get("/jobs/{id}", srv.GetJob)
		api.Delete("/jobs/{id}", srv.CancelJob)

		api.Get("/user/me", srv.Me)
		api.Get("/user/usage", srv.Usage)
		api.Get("/models", srv.Models)
	})

	r.Route("/api/internal", func(in chi.Router) {
		in.Post("/heartbeat", internal.Heartbeat)
		in.Get("/workers", internal.Workers)
		in.Post("/workers/{id}/check", internal.CheckWorker)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) { promhttp.Handler().ServeHTTP(w, req) })

	return httpserver.SecurityHeaders(r)
}
