// Package handlers implements the HTTP API in front of the refresh engine.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"oauth-refresher/internal/circuitbreaker"
	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/oauth2"
)

// TokenSource hands out valid access tokens; *oauth2.Engine implements it.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, connectionID string) (*oauth2.AccessToken, error)
}

// ConnectionReader is the read side of the connection repository.
type ConnectionReader interface {
	Fetch(ctx context.Context, id string) (*connections.Connection, error)
	Ping(ctx context.Context) error
}

// BreakerReporter exposes the provider circuit breaker for /healthz.
type BreakerReporter interface {
	Stats() circuitbreaker.Stats
}

type Handlers struct {
	tokens  TokenSource
	conns   ConnectionReader
	breaker BreakerReporter
	now     func() time.Time
}

type Option func(*Handlers)

// WithBreaker includes the provider breaker state in /healthz.
func WithBreaker(breaker BreakerReporter) Option {
	return func(h *Handlers) {
		h.breaker = breaker
	}
}

// WithClock overrides the time used for health reports.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) {
		h.now = now
	}
}

func New(tokens TokenSource, conns ConnectionReader, opts ...Option) *Handlers {
	h := &Handlers{
		tokens: tokens,
		conns:  conns,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error            string              `json:"error"`
	Kind             *oauth2.FailureKind `json:"kind,omitempty"`
	ShouldDeactivate bool                `json:"should_deactivate"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", logging.Err(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
