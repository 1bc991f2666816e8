package oauth2

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		body           string
		wantKind       FailureKind
		wantDeactivate bool
		wantCode       string
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, PermanentlyExpired, true, "invalid_grant"},
		{"invalid grant on 401", http.StatusUnauthorized, `{"error":"invalid_grant"}`, PermanentlyExpired, true, "invalid_grant"},
		{"access denied", http.StatusForbidden, `{"error":"access_denied"}`, Revoked, true, "access_denied"},
		{"unauthorized client", http.StatusBadRequest, `{"error":"unauthorized_client"}`, Revoked, true, "unauthorized_client"},
		{"grant code wins over 5xx", http.StatusServiceUnavailable, `{"error":"invalid_grant"}`, PermanentlyExpired, true, "invalid_grant"},
		{"rate limited", http.StatusTooManyRequests, ``, RateLimited, false, ""},
		{"server error", http.StatusInternalServerError, `<html>oops</html>`, ServerError, false, ""},
		{"bad gateway", http.StatusBadGateway, ``, ServerError, false, ""},
		{"bare 400", http.StatusBadRequest, ``, MalformedRequest, false, ""},
		{"400 with empty object", http.StatusBadRequest, `{}`, MalformedRequest, false, ""},
		{"400 with unrecognised code", http.StatusBadRequest, `{"error":"invalid_request"}`, MalformedRequest, false, "invalid_request"},
		{"400 invalid client", http.StatusBadRequest, `{"error":"invalid_client"}`, MalformedRequest, false, "invalid_client"},
		{"400 with non-json body", http.StatusBadRequest, `not json`, MalformedRequest, false, ""},
		{"401 invalid client", http.StatusUnauthorized, `{"error":"invalid_client"}`, Unknown, false, "invalid_client"},
		{"404", http.StatusNotFound, ``, Unknown, false, ""},
		{"error field not a string", http.StatusBadRequest, `{"error":42}`, MalformedRequest, false, ""},
		{"padded code", http.StatusBadRequest, `{"error":" invalid_grant "}`, PermanentlyExpired, true, "invalid_grant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.status, []byte(tt.body))

			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantDeactivate, got.ShouldDeactivate)
			assert.Equal(t, !tt.wantDeactivate, got.Retryable)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}
}

func TestClassify_OnlyGrantErrorsDeactivate(t *testing.T) {
	statuses := []int{200, 301, 400, 401, 403, 404, 408, 409, 429, 500, 502, 503, 504}
	bodies := []string{``, `{}`, `{"error":"server_error"}`, `{"error":"temporarily_unavailable"}`, `garbage`}

	for _, status := range statuses {
		for _, body := range bodies {
			got := Classify(status, []byte(body))
			assert.False(t, got.ShouldDeactivate, "status %d body %q", status, body)
			assert.True(t, got.Retryable, "status %d body %q", status, body)
		}
	}
}

func TestFailureKind(t *testing.T) {
	assert.Equal(t, "PermanentlyExpired", PermanentlyExpired.String())
	assert.Equal(t, "DatabaseError", DatabaseError.String())
	assert.Equal(t, "FailureKind(99)", FailureKind(99).String())

	text, err := Revoked.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "Revoked", string(text))

	var decoded FailureKind
	assert.NoError(t, decoded.UnmarshalText([]byte("RateLimited")))
	assert.Equal(t, RateLimited, decoded)
	assert.Error(t, decoded.UnmarshalText([]byte("Bogus")))

	for _, kind := range []FailureKind{PermanentlyExpired, Revoked, DatabaseError} {
		assert.False(t, kind.Retryable(), kind.String())
	}
	for _, kind := range []FailureKind{RateLimited, ServerError, MalformedRequest, NetworkError, Unknown} {
		assert.True(t, kind.Retryable(), kind.String())
	}
}

func TestRefreshFailure_Error(t *testing.T) {
	failure := &RefreshFailure{Kind: ServerError, Message: "token endpoint returned HTTP 503"}
	assert.Equal(t, "ServerError: token endpoint returned HTTP 503", failure.Error())

	cause := &ProviderError{Status: 503}
	failure.Cause = cause
	assert.Contains(t, failure.Error(), "token endpoint returned 503")
	assert.ErrorIs(t, failure, cause)

	_, ok := AsRefreshFailure(cause)
	assert.False(t, ok)
}
