/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests from the admin console

ROUTE GROUPS:
  /api/rules/*          Rule write path
  /api/subscriptions/*  Host-application trigger and per-subscription reads
  /api/users/*          Per-user reads
  /api/alerts/*         Single instance reads
  /api/admin/*          Manual dispatch / reconcile / sweep
  /healthz              Liveness and database check
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. A nil metrics
// handler leaves /metrics unmounted; empty origins fall back to localhost.
func NewRouter(h *Handler, metrics http.Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		r.Route("/subscriptions/{id}", func(r chi.Router) {
			r.Put("/", h.PutSubscription)
			r.Get("/rules", h.ListSubscriptionRules)
			r.Post("/reconcile", h.ReconcileSubscription)
			r.Get("/alerts", h.ListSubscriptionAlerts)
		})

		r.Get("/users/{id}/alerts", h.ListUserAlerts)
		r.Get("/alerts/{id}", h.GetAlert)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/dispatch", h.TriggerDispatch)
			r.Post("/reconcile", h.TriggerReconcile)
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	return r
}
