package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oauth-refresher/internal/common/errors"
)

var testEnvVars = []string{
	"PORT", "LOG_LEVEL", "LOG_FILE",
	"DATABASE_TYPE", "DATABASE_PATH",
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_SSL_MODE",
	"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE",
	"TOKEN_ENCRYPTION_KEY", "JWT_SECRET",
	"XERO_CLIENT_ID", "XERO_CLIENT_SECRET", "XERO_TOKEN_URL",
	"REFRESH_THRESHOLD", "LOCK_TTL", "LOCK_CONTENTION_WAIT", "REFRESH_MAX_ATTEMPTS",
	"REFRESH_INITIAL_BACKOFF", "PROVIDER_TIMEOUT",
	"SWEEP_ENABLED", "SWEEP_SCHEDULE", "SWEEP_BATCH_SIZE", "DEACTIVATION_CHANNEL",
	"API_RATE_LIMIT_RPS", "API_RATE_LIMIT_BURST",
}

// clearTestEnvVars unsets every variable Load reads. t.Setenv registers the
// restore so the original environment comes back after the test.
func clearTestEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range testEnvVars {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func validConfig() *Config {
	return &Config{
		Port:             "8080",
		DatabaseType:     "sqlite",
		DatabasePath:     "./test.db",
		RedisDB:          "0",
		RedisPoolSize:    "10",
		EncryptionKey:    "a-test-encryption-key",
		JWTSecret:        strings.Repeat("s", 32),
		XeroClientID:     "client",
		XeroClientSecret: "secret",
		XeroTokenURL:     DefaultXeroTokenURL,
		RefreshThreshold: 15 * time.Minute,
		LockTTL:          30 * time.Second,
		ContentionWait:   2 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   time.Second,
		ProviderTimeout:  10 * time.Second,
		SweepEnabled:     true,
		SweepSchedule:    "@every 1m",
		SweepBatchSize:   25,

		APIRateLimitRPS:   20,
		APIRateLimitBurst: 40,
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearTestEnvVars(t)

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, "./oauth_refresher.db", cfg.DatabasePath)
	assert.Equal(t, "oauth_refresher", cfg.PostgresDB)
	assert.Equal(t, "", cfg.RedisAddress)
	assert.False(t, cfg.RedisEnabled())
	assert.Equal(t, DefaultXeroTokenURL, cfg.XeroTokenURL)

	assert.Equal(t, 15*time.Minute, cfg.RefreshThreshold)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.ContentionWait)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.ProviderTimeout)

	assert.True(t, cfg.SweepEnabled)
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.Equal(t, 25, cfg.SweepBatchSize)
	assert.Equal(t, "oauth:connection:deactivated", cfg.DeactivationTopic)
	assert.Equal(t, 20, cfg.APIRateLimitRPS)
	assert.Equal(t, 40, cfg.APIRateLimitBurst)
}

func TestLoad_Overrides(t *testing.T) {
	clearTestEnvVars(t)
	t.Setenv("DATABASE_TYPE", "Postgres")
	t.Setenv("REFRESH_THRESHOLD", "20m")
	t.Setenv("REFRESH_MAX_ATTEMPTS", "5")
	t.Setenv("SWEEP_ENABLED", "false")
	t.Setenv("REDIS_ADDRESS", "localhost:6379")

	cfg := Load()

	assert.True(t, cfg.IsPostgres())
	assert.Equal(t, 20*time.Minute, cfg.RefreshThreshold)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.False(t, cfg.SweepEnabled)
	assert.True(t, cfg.RedisEnabled())
}

func TestLoad_MalformedValuesFailValidation(t *testing.T) {
	clearTestEnvVars(t)
	t.Setenv("TOKEN_ENCRYPTION_KEY", "key")
	t.Setenv("XERO_CLIENT_ID", "id")
	t.Setenv("XERO_CLIENT_SECRET", "secret")
	t.Setenv("LOCK_TTL", "thirty seconds")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.LockTTL, "default kept on parse failure")

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TTL")
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing encryption key", func(c *Config) { c.EncryptionKey = "" }, "TOKEN_ENCRYPTION_KEY"},
		{"missing client id", func(c *Config) { c.XeroClientID = "" }, "XERO_CLIENT_ID"},
		{"bad database type", func(c *Config) { c.DatabaseType = "mysql" }, "DATABASE_TYPE"},
		{"redis store without address", func(c *Config) { c.DatabaseType = "redis" }, "REDIS_ADDRESS"},
		{"redis db out of range", func(c *Config) {
			c.RedisAddress = "localhost:6379"
			c.RedisDB = "16"
		}, "REDIS_DB"},
		{"postgres without host", func(c *Config) {
			c.DatabaseType = "postgres"
			c.PostgresDB = "db"
			c.PostgresUser = "user"
			c.PostgresPort = "5432"
		}, "POSTGRES_HOST"},
		{"zero threshold", func(c *Config) { c.RefreshThreshold = 0 }, "REFRESH_THRESHOLD"},
		{"negative backoff", func(c *Config) { c.InitialBackoff = -time.Second }, "REFRESH_INITIAL_BACKOFF"},
		{"provider timeout equals lock ttl", func(c *Config) { c.ProviderTimeout = 30 * time.Second }, "PROVIDER_TIMEOUT"},
		{"provider timeout exceeds lock ttl", func(c *Config) { c.LockTTL = 5 * time.Second }, "PROVIDER_TIMEOUT"},
		{"provider timeout leaves no lock margin", func(c *Config) { c.ProviderTimeout = 29500 * time.Millisecond }, "PROVIDER_TIMEOUT"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "REFRESH_MAX_ATTEMPTS"},
		{"sweeper without batch size", func(c *Config) { c.SweepBatchSize = 0 }, "SWEEP_BATCH_SIZE"},
		{"disabled sweeper ignores batch size", func(c *Config) {
			c.SweepEnabled = false
			c.SweepBatchSize = 0
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateStorage_IgnoresProviderSettings(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionKey = ""
	cfg.XeroClientID = ""

	assert.NoError(t, cfg.ValidateStorage())
	assert.Error(t, cfg.Validate())
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.ValidateServe())

	cfg.JWTSecret = "short"
	err := cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 characters")

	cfg = validConfig()
	cfg.JWTSecret = ""
	assert.Error(t, cfg.ValidateServe())

	cfg = validConfig()
	cfg.Port = "70000"
	assert.Error(t, cfg.ValidateServe())

	cfg = validConfig()
	cfg.APIRateLimitBurst = 0
	assert.Error(t, cfg.ValidateServe())

	cfg.APIRateLimitRPS = 0
	assert.NoError(t, cfg.ValidateServe(), "disabled limiter ignores burst")
}

func TestPostgresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.PostgresHost = "db.internal"
	cfg.PostgresPort = "5433"
	cfg.PostgresDB = "tokens"
	cfg.PostgresUser = "svc"
	cfg.PostgresPassword = "pw"
	cfg.PostgresSSLMode = "require"

	assert.Equal(t, "postgres://svc:pw@db.internal:5433/tokens?sslmode=require", cfg.PostgresDSN())
}

func TestLoadEnvFile(t *testing.T) {
	clearTestEnvVars(t)

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("XERO_CLIENT_ID=from-dotenv\nLOCK_TTL=45s\n"), 0o600))
	require.NoError(t, LoadEnvFile(path))

	cfg := Load()
	assert.Equal(t, "from-dotenv", cfg.XeroClientID)
	assert.Equal(t, 45*time.Second, cfg.LockTTL)
}
