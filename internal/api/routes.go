package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", h.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes. The local surface is loopback-only by default;
		// the key gate matters when the host binds it wider.
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Route("/tables/{table}", func(r chi.Router) {
				r.Get("/rows/{key}", h.GetRow)
				r.Put("/rows/{key}", h.PutRow)
				r.Delete("/rows/{key}", h.DeleteRow)
				r.Get("/query", h.QueryRows)
			})

			r.Post("/sync", h.TriggerSync)
			r.Get("/sync/status", h.SyncStatus)
			r.Get("/queue", h.ListFailed)
			r.Post("/queue/{id}/retry", h.RetryMutation)
			r.Get("/events", h.Events)
		})
	})

	return r
}
