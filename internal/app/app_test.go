package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oauth-refresher/internal/config"
	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/handlers"
	"oauth-refresher/internal/oauth2"
)

// xeroStub answers refresh-good with a rotated pair and anything else with
// invalid_grant.
func xeroStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("refresh_token") != "refresh-good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"access-new","refresh_token":"refresh-next","expires_in":1800,"token_type":"Bearer"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, tokenURL, redisAddr string) *config.Config {
	t.Helper()
	return &config.Config{
		Port:              "0",
		DatabaseType:      "sqlite",
		DatabasePath:      filepath.Join(t.TempDir(), "test.db"),
		RedisAddress:      redisAddr,
		RedisDB:           "0",
		RedisPoolSize:     "5",
		EncryptionKey:     "test-encryption-key",
		JWTSecret:         strings.Repeat("j", 32),
		XeroClientID:      "client-id",
		XeroClientSecret:  "client-secret",
		XeroTokenURL:      tokenURL,
		RefreshThreshold:  15 * time.Minute,
		LockTTL:           30 * time.Second,
		ContentionWait:    10 * time.Millisecond,
		MaxAttempts:       1,
		InitialBackoff:    10 * time.Millisecond,
		ProviderTimeout:   5 * time.Second,
		DeactivationTopic: "oauth:connection:deactivated",
		SweepEnabled:      true,
		SweepSchedule:     "@every 1h",
		SweepBatchSize:    10,
	}
}

func seedConnection(t *testing.T, a *App, id, tenant, refresh string, expiresIn time.Duration) {
	t.Helper()
	access, err := a.Cipher.Encrypt("access-old")
	require.NoError(t, err)
	encRefresh, err := a.Cipher.Encrypt(refresh)
	require.NoError(t, err)

	require.NoError(t, a.Store.Create(context.Background(), &connections.Connection{
		ID:           id,
		TenantRef:    tenant,
		AccessToken:  access,
		RefreshToken: encRefresh,
		ExpiresAt:    time.Now().Add(expiresIn),
		IsActive:     true,
	}))
}

func request(t *testing.T, h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, xeroStub(t).URL, mr.Addr())

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.RedisClient)

	seedConnection(t, a, "conn-good", "tenant-1", "refresh-good", 5*time.Minute)
	seedConnection(t, a, "conn-dead", "tenant-2", "refresh-revoked", 5*time.Minute)

	router, err := a.Router()
	require.NoError(t, err)

	authService, err := a.NewAuth()
	require.NoError(t, err)
	jwt, err := authService.GenerateJWT("billing-service", time.Hour)
	require.NoError(t, err)

	t.Run("unauthenticated", func(t *testing.T) {
		rec := request(t, router, http.MethodPost, "/api/connections/conn-good/token", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("refreshes near expiry", func(t *testing.T) {
		rec := request(t, router, http.MethodPost, "/api/connections/conn-good/token", jwt)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp handlers.TokenResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "access-new", resp.AccessToken)
		assert.True(t, resp.Refreshed)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		stored, err := a.Store.Fetch(context.Background(), "conn-good")
		require.NoError(t, err)
		refresh, err := a.Cipher.Decrypt(stored.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "refresh-next", refresh)
	})

	t.Run("second call is cached", func(t *testing.T) {
		rec := request(t, router, http.MethodPost, "/api/connections/conn-good/token", jwt)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"refreshed":false`)
	})

	t.Run("revoked grant deactivates and publishes", func(t *testing.T) {
		sub := a.RedisClient.GoRedis().Subscribe(context.Background(), cfg.DeactivationTopic)
		defer sub.Close()
		_, err := sub.Receive(context.Background())
		require.NoError(t, err)

		rec := request(t, router, http.MethodPost, "/api/connections/conn-dead/token", jwt)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), `"kind":"PermanentlyExpired"`)

		select {
		case msg := <-sub.Channel():
			var event oauth2.DeactivationEvent
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
			assert.Equal(t, "conn-dead", event.ConnectionID)
			assert.Equal(t, "tenant-2", event.TenantRef)
		case <-time.After(2 * time.Second):
			t.Fatal("no deactivation event published")
		}

		rec = request(t, router, http.MethodGet, "/api/connections/conn-dead/health", jwt)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"is_active":false`)
	})

	t.Run("revoked jwt rejected", func(t *testing.T) {
		other, err := authService.GenerateJWT("old-service", time.Hour)
		require.NoError(t, err)
		require.NoError(t, authService.RevokeJWT(context.Background(), other))

		rec := request(t, router, http.MethodGet, "/api/connections/conn-good/health", other)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("healthz and metrics", func(t *testing.T) {
		rec := request(t, router, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"store":"ok"`)

		rec = request(t, router, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "oauth_refresher_token_requests_total")
		assert.Contains(t, rec.Body.String(), "oauth_refresher_deactivations_total")
	})
}

func TestApp_WithoutRedis(t *testing.T) {
	cfg := testConfig(t, xeroStub(t).URL, "")

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.RedisClient)

	authService, err := a.NewAuth()
	require.NoError(t, err)
	token, err := authService.GenerateJWT("svc", time.Hour)
	require.NoError(t, err)
	assert.Error(t, authService.RevokeJWT(context.Background(), token))
}

func TestApp_NewFailsOnBadEncryptionKey(t *testing.T) {
	cfg := testConfig(t, xeroStub(t).URL, "")
	cfg.EncryptionKey = ""

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, xeroStub(t).URL, mr.Addr())

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t, "https://identity.example.com/connect/token", "")

	require.NoError(t, Migrate(context.Background(), cfg))
	// Re-running is a no-op.
	require.NoError(t, Migrate(context.Background(), cfg))
}

func TestApp_RateLimitsPerCaller(t *testing.T) {
	cfg := testConfig(t, xeroStub(t).URL, "")
	cfg.APIRateLimitRPS = 1
	cfg.APIRateLimitBurst = 1

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	seedConnection(t, a, "conn-1", "tenant-1", "refresh-good", time.Hour)

	router, err := a.Router()
	require.NoError(t, err)
	authService, err := a.NewAuth()
	require.NoError(t, err)
	billing, err := authService.GenerateJWT("billing", time.Hour)
	require.NoError(t, err)
	reporting, err := authService.GenerateJWT("reporting", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, request(t, router, http.MethodGet, "/api/connections/conn-1/health", billing).Code)
	assert.Equal(t, http.StatusTooManyRequests, request(t, router, http.MethodGet, "/api/connections/conn-1/health", billing).Code)
	assert.Equal(t, http.StatusOK, request(t, router, http.MethodGet, "/api/connections/conn-1/health", reporting).Code)
}
