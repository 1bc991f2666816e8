// Package ratelimit throttles API callers with per-key token buckets from
// golang.org/x/time/rate.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"oauth-refresher/internal/common/errors"
)

// Config controls the per-key buckets. A zero RequestsPerSecond disables
// limiting.
type Config struct {
	RequestsPerSecond int
	BurstSize         int
	// CleanupPeriod drops buckets idle for longer than this.
	CleanupPeriod time.Duration
	// MaxKeys triggers an early cleanup when exceeded.
	MaxKeys int
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		BurstSize:         40,
		CleanupPeriod:     10 * time.Minute,
		MaxKeys:           10000,
	}
}

func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

func (c Config) Validate() error {
	if c.RequestsPerSecond < 0 {
		return errors.ValidationError("requests per second cannot be negative")
	}
	if c.Enabled() && c.BurstSize < 1 {
		return errors.ValidationError("burst size must be at least 1")
	}
	return nil
}

// Limiter keeps one bucket per key.
type Limiter struct {
	mu          sync.Mutex
	config      Config
	limiters    map[string]*limiterEntry
	now         func() time.Time
	lastCleanup time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func New(config Config) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if config.CleanupPeriod <= 0 {
		config.CleanupPeriod = defaults.CleanupPeriod
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = defaults.MaxKeys
	}

	return &Limiter{
		config:      config,
		limiters:    make(map[string]*limiterEntry),
		now:         time.Now,
		lastCleanup: time.Now(),
	}, nil
}

// Allow consumes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled() {
		return true
	}
	now := l.now()
	return l.limiterFor(key, now).AllowN(now, 1)
}

func (l *Limiter) limiterFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > l.config.CleanupPeriod {
		l.cleanup(now)
	}

	entry, exists := l.limiters[key]
	if !exists {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize),
		}
		l.limiters[key] = entry

		if len(l.limiters) > l.config.MaxKeys {
			l.cleanup(now)
		}
	}
	entry.lastUsed = now

	return entry.limiter
}

// cleanup removes buckets that haven't been used recently
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.config.CleanupPeriod)
	for key, entry := range l.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
	l.lastCleanup = now
}

// Keys reports how many buckets are tracked.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// HTTPMiddleware rejects requests over the limit with 429. keyFunc picks the
// bucket; an empty key shares one bucket.
func HTTPMiddleware(limiter *Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerSecond))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
