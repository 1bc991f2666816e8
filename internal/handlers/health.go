package handlers

import (
	"context"
	"net/http"
	"time"

	"oauth-refresher/internal/circuitbreaker"
	"oauth-refresher/internal/common/logging"
)

// ServiceHealth is the /healthz body.
type ServiceHealth struct {
	Status          string                `json:"status"`
	Store           string                `json:"store"`
	ProviderBreaker *circuitbreaker.Stats `json:"provider_breaker,omitempty"`
}

// Healthz pings the connection store. An open provider breaker degrades the
// report but does not fail it; the store being unreachable does.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := ServiceHealth{Status: "ok", Store: "ok"}
	status := http.StatusOK

	if err := h.conns.Ping(ctx); err != nil {
		logging.Warn("Connection store health check failed", logging.Err(err))
		resp.Status = "unavailable"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}

	if h.breaker != nil {
		stats := h.breaker.Stats()
		resp.ProviderBreaker = &stats
		if stats.State != circuitbreaker.StateClosed.String() && status == http.StatusOK {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, status, resp)
}
