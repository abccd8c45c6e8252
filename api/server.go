/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/health           Liveness
  /api/nodes/*          Targets and achievement per node
  /api/snapshots/*      Rollup replay
  /api/tenants/*        Monthly escalation, tenant-wide achievement
  /api/fy-summary       Financial year target summary

SECURITY NOTE:
  No authentication middleware. Deploy behind the host application's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. origins lists
// the allowed CORS origins.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Node routes
		r.Route("/nodes/{id}", func(r chi.Router) {
			r.Post("/targets", h.AssignTarget)
			r.Get("/targets/latest", h.GetLatestTarget)
			r.Get("/targets/history", h.GetTargetHistory)
			r.Get("/achievement", h.GetAchievement)
			r.Get("/achievement/average", h.GetAverageAchievement)
			r.Get("/metrics", h.GetMonthMetrics)
			r.Get("/breakdown", h.GetProductBreakdown)
			r.Post("/rollup/rebuild", h.RebuildRollup)
		})

		// Snapshot routes
		r.Post("/snapshots/{id}/propagate", h.RetryPropagation)

		// Tenant routes
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Get("/escalations", h.ListEscalationRuns)
			r.Post("/escalations", h.RunEscalation)
			r.Get("/achievement", h.GetTenantAchievement)
		})

		r.Post("/fy-summary", h.GetFYSummary)
	})

	return r
}
