/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. zerolog:    Structured request logging
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/budget/*       Budget lines, availability, reservations, movements
  /api/sequences/*    Reference number allocation
  /api/workflow/*     Document lifecycle transitions
  /api/transfers/*    Credit transfers between lines
  /api/alerts/*       Consumption alerts and threshold rules

SECURITY NOTE:
  No authentication middleware. Caller identity arrives pre-authenticated in
  X-Actor-* headers, set by the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-Id", "X-Actor-Roles", "X-Actor-Direction"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Budget line routes
		r.Route("/budget/lines", func(r chi.Router) {
			r.Get("/", h.ListLines)
			r.Post("/", h.CreateLine)
			r.Get("/{id}", h.GetLine)
			r.Get("/{id}/availability", h.CheckAvailability)
			r.Post("/{id}/reserve", h.Reserve)
			r.Post("/{id}/commit", h.Commit)
			r.Post("/{id}/release", h.Release)
			r.Get("/{id}/movements", h.GetMovements)
		})

		// Sequence routes
		r.Route("/sequences", func(r chi.Router) {
			r.Post("/next", h.NextNumber)
			r.Post("/sync", h.SyncSequence)
		})

		// Workflow routes
		r.Route("/workflow/{module}", func(r chi.Router) {
			r.Post("/", h.CreateDocument)
			r.Post("/{id}/execute", h.ExecuteTransition)
			r.Get("/{id}/status", h.GetStatus)
		})

		// Transfer routes
		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.ListTransfers)
			r.Post("/", h.CreateTransfer)
			r.Post("/{id}/execute", h.ExecuteTransfer)
		})

		// Alert routes
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Post("/scan", h.ScanAlerts)
			r.Post("/rules", h.SaveAlertRule)
			r.Post("/{id}/acknowledge", h.AcknowledgeAlert)
			r.Post("/{id}/resolve", h.ResolveAlert)
		})
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
