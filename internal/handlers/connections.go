package handlers

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/oauth2"
)

// TokenResponse is returned by POST /api/connections/{id}/token.
type TokenResponse struct {
	AccessToken    string    `json:"access_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	Refreshed      bool      `json:"refreshed"`
	PersistWarning string    `json:"persist_warning,omitempty"`
}

// GetAccessToken returns a token valid for at least the refresh threshold,
// refreshing it first when needed.
func (h *Handlers) GetAccessToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := logging.ContextWithConnectionID(r.Context(), id)

	token, err := h.tokens.GetValidAccessToken(ctx, id)
	if err != nil {
		h.writeTokenError(w, r, id, err)
		return
	}

	resp := TokenResponse{
		AccessToken: token.Value,
		ExpiresAt:   token.ExpiresAt.UTC(),
		Refreshed:   token.Refreshed,
	}
	if token.PersistErr != nil {
		resp.PersistWarning = token.PersistErr.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) writeTokenError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if stderrors.Is(err, connections.ErrNotFound) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if stderrors.Is(err, oauth2.ErrConnectionInactive) {
		writeError(w, http.StatusConflict, "connection is inactive; the tenant must reconnect")
		return
	}

	failure, ok := oauth2.AsRefreshFailure(err)
	if !ok {
		logging.WithContext(r.Context()).Error("Token request failed", err, logging.Field{Key: "connection_id", Value: id})
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case failure.ShouldDeactivate:
		status = http.StatusConflict
	case failure.Kind.Retryable():
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	}

	kind := failure.Kind
	writeJSON(w, status, ErrorResponse{
		Error:            failure.Message,
		Kind:             &kind,
		ShouldDeactivate: failure.ShouldDeactivate,
	})
}

// GetConnectionHealth reports token expiry and activity for one connection.
func (h *Handlers) GetConnectionHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conn, err := h.conns.Fetch(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, connections.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		logging.WithContext(r.Context()).Error("Failed to load connection", err, logging.Field{Key: "connection_id", Value: id})
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, oauth2.CheckConnectionHealthAt(conn, h.now()))
}
