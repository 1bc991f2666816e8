package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"disabled", Config{}, false},
		{"negative rate", Config{RequestsPerSecond: -1}, true},
		{"no burst", Config{RequestsPerSecond: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLimiter_PerKeyBuckets(t *testing.T) {
	limiter, err := New(Config{RequestsPerSecond: 1, BurstSize: 2})
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("billing"))
	assert.True(t, limiter.Allow("billing"))
	assert.False(t, limiter.Allow("billing"), "burst exhausted")
	assert.True(t, limiter.Allow("reporting"), "other callers unaffected")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("billing"), "one token refilled")
	assert.False(t, limiter.Allow("billing"))
}

func TestLimiter_Disabled(t *testing.T) {
	limiter, err := New(Config{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow("billing"))
	}
	assert.Equal(t, 0, limiter.Keys())
}

func TestLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	limiter, err := New(Config{RequestsPerSecond: 1, BurstSize: 1, CleanupPeriod: time.Minute})
	require.NoError(t, err)

	now := time.Now()
	limiter.now = func() time.Time { return now }
	limiter.Allow("a")
	limiter.Allow("b")
	assert.Equal(t, 2, limiter.Keys())

	now = now.Add(2 * time.Minute)
	limiter.Allow("c")
	assert.Equal(t, 1, limiter.Keys())
}

func TestHTTPMiddleware(t *testing.T) {
	limiter, err := New(Config{RequestsPerSecond: 1, BurstSize: 1})
	require.NoError(t, err)

	handler := HTTPMiddleware(limiter, func(r *http.Request) string {
		return r.Header.Get("X-Caller")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(caller string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/connections/c-1/token", nil)
		req.Header.Set("X-Caller", caller)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("billing").Code)

	rec := call("billing")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, call("reporting").Code)
}
