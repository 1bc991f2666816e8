// Package config provides configuration management for the OAuth token refresher.
// It handles loading configuration from environment variables with sensible defaults
// and validates the configuration so the service refuses to start in an unsafe state.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Write logs to this file instead of stdout
//
// Connection Store:
//   - DATABASE_TYPE: "sqlite", "postgres" or "redis" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./oauth_refresher.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE
//
// Redis (store backend, sweeper leader election, deactivation events):
//   - REDIS_ADDRESS: Redis server address; empty disables Redis features
//   - REDIS_PASSWORD, REDIS_DB (0-15), REDIS_POOL_SIZE
//
// Security:
//   - TOKEN_ENCRYPTION_KEY: Key used to encrypt tokens at rest (required)
//   - JWT_SECRET: API signing secret, required by serve (minimum 32 characters)
//
// Provider:
//   - XERO_CLIENT_ID, XERO_CLIENT_SECRET (required)
//   - XERO_TOKEN_URL (default: https://identity.xero.com/connect/token)
//
// Refresh Engine:
//   - REFRESH_THRESHOLD (15m), LOCK_TTL (30s), LOCK_CONTENTION_WAIT (2s)
//   - REFRESH_MAX_ATTEMPTS (3), REFRESH_INITIAL_BACKOFF (1s), PROVIDER_TIMEOUT (10s)
//
// Sweeper:
//   - SWEEP_ENABLED (true), SWEEP_SCHEDULE (@every 1m), SWEEP_BATCH_SIZE (25)
//   - DEACTIVATION_CHANNEL (oauth:connection:deactivated)
//
// API:
//   - API_RATE_LIMIT_RPS (20, 0 disables), API_RATE_LIMIT_BURST (40), per calling service
//
// Example usage:
//
//	_ = config.LoadEnvFile(".env")
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"oauth-refresher/internal/common/errors"
)

// DefaultXeroTokenURL is the Xero identity token endpoint.
const DefaultXeroTokenURL = "https://identity.xero.com/connect/token"

// Config holds all configuration values for the refresher.
//
// The configuration is loaded using Load() and should be validated with
// Validate() (or ValidateServe() for the HTTP server) before use.
type Config struct {
	// Application settings
	Port     string // Server port number
	LogLevel string // Logging level (debug, info, warn, error)
	LogFile  string // Optional log file path

	// Connection store
	DatabaseType     string // "sqlite", "postgres" or "redis"
	DatabasePath     string // Path to SQLite database file
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string

	// Security
	EncryptionKey string // TOKEN_ENCRYPTION_KEY
	JWTSecret     string

	// Provider
	XeroClientID     string
	XeroClientSecret string
	XeroTokenURL     string

	// Refresh engine tuning
	RefreshThreshold  time.Duration
	LockTTL           time.Duration
	ContentionWait    time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	ProviderTimeout   time.Duration
	DeactivationTopic string
	SweepEnabled      bool
	SweepSchedule     string
	SweepBatchSize    int

	// API rate limiting per calling service
	APIRateLimitRPS   int
	APIRateLimitBurst int

	// parseErrs collects malformed numeric and duration values seen by Load.
	parseErrs []string
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.ConfigError(fmt.Sprintf("failed to load %s", path)).WithContext("cause", err.Error())
	}
	return nil
}

// Load creates a new Config instance with values loaded from environment variables.
// If an environment variable is not set, the corresponding default value is used.
// Malformed numbers and durations are reported by Validate.
func Load() *Config {
	c := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		DatabaseType:     strings.ToLower(getEnv("DATABASE_TYPE", "sqlite")),
		DatabasePath:     getEnv("DATABASE_PATH", "./oauth_refresher.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "oauth_refresher"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),

		XeroClientID:     getEnv("XERO_CLIENT_ID", ""),
		XeroClientSecret: getEnv("XERO_CLIENT_SECRET", ""),
		XeroTokenURL:     getEnv("XERO_TOKEN_URL", DefaultXeroTokenURL),

		DeactivationTopic: getEnv("DEACTIVATION_CHANNEL", "oauth:connection:deactivated"),
		SweepEnabled:      getBoolEnv("SWEEP_ENABLED", true),
		SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@every 1m"),
	}

	c.RefreshThreshold = c.durationEnv("REFRESH_THRESHOLD", 15*time.Minute)
	c.LockTTL = c.durationEnv("LOCK_TTL", 30*time.Second)
	c.ContentionWait = c.durationEnv("LOCK_CONTENTION_WAIT", 2*time.Second)
	c.InitialBackoff = c.durationEnv("REFRESH_INITIAL_BACKOFF", time.Second)
	c.ProviderTimeout = c.durationEnv("PROVIDER_TIMEOUT", 10*time.Second)
	c.MaxAttempts = c.intEnv("REFRESH_MAX_ATTEMPTS", 3)
	c.SweepBatchSize = c.intEnv("SWEEP_BATCH_SIZE", 25)
	c.APIRateLimitRPS = c.intEnv("API_RATE_LIMIT_RPS", 20)
	c.APIRateLimitBurst = c.intEnv("API_RATE_LIMIT_BURST", 40)

	return c
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv accepts the forms understood by strconv.ParseBool and falls
// back to defaultValue for anything else.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (c *Config) durationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be a valid duration (e.g. '30s', '15m')", key))
		return defaultValue
	}
	return parsed
}

func (c *Config) intEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be a whole number", key))
		return defaultValue
	}
	return parsed
}

// IsPostgres reports whether the Postgres store is selected.
func (c *Config) IsPostgres() bool {
	return c.DatabaseType == "postgres" || c.DatabaseType == "postgresql"
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddress != ""
}

// RedisDBNumber returns REDIS_DB as an int. Call after Validate.
func (c *Config) RedisDBNumber() int {
	db, _ := strconv.Atoi(c.RedisDB)
	return db
}

// RedisPoolSizeNumber returns REDIS_POOL_SIZE as an int. Call after Validate.
func (c *Config) RedisPoolSizeNumber() int {
	size, _ := strconv.Atoi(c.RedisPoolSize)
	return size
}

// PostgresDSN builds a libpq-style connection string for pgx.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSLMode)
}

// ValidateStorage checks only the settings needed to open the connection
// store. The migrate command uses it so schema changes do not require
// provider credentials.
func (c *Config) ValidateStorage() error {
	switch c.DatabaseType {
	case "sqlite":
		if c.DatabasePath == "" {
			return errors.ValidationError("DATABASE_PATH is required when using SQLite")
		}
	case "postgres", "postgresql":
		if c.PostgresHost == "" {
			return errors.ValidationError("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return errors.ValidationError("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return errors.ValidationError("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return errors.ValidationError("POSTGRES_PORT must be a valid port number")
		}
	case "redis":
		if c.RedisAddress == "" {
			return errors.ValidationError("REDIS_ADDRESS is required when DATABASE_TYPE is redis")
		}
	default:
		return errors.ValidationError("DATABASE_TYPE must be 'sqlite', 'postgres' or 'redis'")
	}

	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return errors.ValidationError("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return errors.ValidationError("REDIS_POOL_SIZE must be a positive number")
		}
	}

	return nil
}

// Validate checks everything the refresh engine needs: store settings, the
// token encryption key, provider credentials and engine tuning.
func (c *Config) Validate() error {
	if len(c.parseErrs) > 0 {
		return errors.ValidationError(c.parseErrs[0])
	}

	if err := c.ValidateStorage(); err != nil {
		return err
	}

	if c.EncryptionKey == "" {
		return errors.ValidationError("TOKEN_ENCRYPTION_KEY environment variable is required")
	}
	if c.XeroClientID == "" || c.XeroClientSecret == "" {
		return errors.ValidationError("XERO_CLIENT_ID and XERO_CLIENT_SECRET are required")
	}
	if c.XeroTokenURL == "" {
		return errors.ValidationError("XERO_TOKEN_URL must not be empty")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"REFRESH_THRESHOLD", c.RefreshThreshold},
		{"LOCK_TTL", c.LockTTL},
		{"LOCK_CONTENTION_WAIT", c.ContentionWait},
		{"REFRESH_INITIAL_BACKOFF", c.InitialBackoff},
		{"PROVIDER_TIMEOUT", c.ProviderTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return errors.ValidationError(fmt.Sprintf("%s must be a positive duration", d.name))
		}
	}

	// One provider call plus a second of margin has to fit inside the lock;
	// the engine drops retries that would not.
	if c.ProviderTimeout+time.Second >= c.LockTTL {
		return errors.ValidationError("PROVIDER_TIMEOUT must be at least 1s shorter than LOCK_TTL").
			WithContext("provider_timeout", c.ProviderTimeout.String()).
			WithContext("lock_ttl", c.LockTTL.String())
	}
	if c.MaxAttempts < 1 {
		return errors.ValidationError("REFRESH_MAX_ATTEMPTS must be at least 1")
	}

	if c.SweepEnabled {
		if c.SweepSchedule == "" {
			return errors.ValidationError("SWEEP_SCHEDULE is required when the sweeper is enabled")
		}
		if c.SweepBatchSize < 1 {
			return errors.ValidationError("SWEEP_BATCH_SIZE must be a positive number")
		}
	}

	return nil
}

// ValidateServe runs Validate and additionally checks the settings only
// the HTTP server needs.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.JWTSecret == "" {
		return errors.ValidationError("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.ValidationError("JWT_SECRET must be at least 32 characters long for security")
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return errors.ValidationError("PORT must be a valid port number between 1 and 65535")
	}
	if c.APIRateLimitRPS < 0 {
		return errors.ValidationError("API_RATE_LIMIT_RPS cannot be negative")
	}
	if c.APIRateLimitRPS > 0 && c.APIRateLimitBurst < 1 {
		return errors.ValidationError("API_RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}

	return nil
}
