package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"oauth-refresher/internal/auth"
	"oauth-refresher/internal/handlers"
	"oauth-refresher/internal/metrics"
	"oauth-refresher/internal/middleware"
	"oauth-refresher/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, authMiddleware func(http.Handler) http.Handler, limiter *ratelimit.Limiter, m *metrics.Metrics) {
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware)
	router.Use(metrics.Middleware(m))

	// Health and metrics (no auth required)
	router.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	// Protected routes
	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)
	api.Use(ratelimit.HTTPMiddleware(limiter, callerKey))

	api.HandleFunc("/connections/{id}/token", h.GetAccessToken).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/health", h.GetConnectionHealth).Methods(http.MethodGet)
}

// callerKey buckets API requests by the authenticated calling service.
func callerKey(r *http.Request) string {
	subject, _ := auth.SubjectFromContext(r.Context())
	return subject
}
