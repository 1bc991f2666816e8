package oauth2

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"oauth-refresher/internal/circuitbreaker"
	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/common/utils"
	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/crypto"
	"oauth-refresher/internal/locks"
	"oauth-refresher/internal/metrics"
)

// Defaults for EngineConfig.
const (
	DefaultRefreshThreshold = 15 * time.Minute
	DefaultContentionWait   = 2 * time.Second
	DefaultMaxAttempts      = 3
	DefaultInitialBackoff   = 1 * time.Second
	DefaultProviderTimeout  = 10 * time.Second
)

// notifyTimeout bounds the deactivation event publish.
const notifyTimeout = 5 * time.Second

// lockMargin is kept free at the end of the lock TTL for persisting the
// result and for clock skew between instances.
const lockMargin = time.Second

// EngineConfig holds the refresh policy.
type EngineConfig struct {
	// RefreshThreshold is how long before expiry a token is refreshed.
	RefreshThreshold time.Duration
	// ContentionWait is how long a caller that lost the lock race waits
	// before re-reading the connection.
	ContentionWait time.Duration
	// LockTTL bounds how long a refresh marker is honoured.
	LockTTL time.Duration
	// MaxAttempts is the number of provider calls per refresh, first included.
	MaxAttempts int
	// InitialBackoff is the first retry wait; each later wait doubles.
	InitialBackoff time.Duration
	// ProviderTimeout bounds each provider call.
	ProviderTimeout time.Duration
}

// DefaultEngineConfig returns the production refresh policy.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RefreshThreshold: DefaultRefreshThreshold,
		ContentionWait:   DefaultContentionWait,
		LockTTL:          locks.DefaultTTL,
		MaxAttempts:      DefaultMaxAttempts,
		InitialBackoff:   DefaultInitialBackoff,
		ProviderTimeout:  DefaultProviderTimeout,
	}
}

// AccessToken is a usable, decrypted access token.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
	// Refreshed is true when this call obtained the token from the provider.
	Refreshed bool
	// PersistErr is set when a refreshed token could not be saved. The token
	// is still valid; the next call will refresh again.
	PersistErr *RefreshFailure
}

// Engine hands out valid access tokens, refreshing them under the
// connection's store lock when they are close to expiry.
//
// Engine is safe for concurrent use, including across processes sharing
// one store.
type Engine struct {
	store    connections.Store
	cipher   crypto.Cipher
	provider TokenProvider
	locks    *locks.Coordinator
	config   EngineConfig

	now      func() time.Time
	sleep    utils.SleepFunc
	notifier DeactivationNotifier
	metrics  *metrics.Metrics
	logger   logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSleeper overrides how the engine waits on contention and between retries.
func WithSleeper(sleep utils.SleepFunc) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// WithNotifier registers a listener for deactivations.
func WithNotifier(notifier DeactivationNotifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger replaces the global logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a refresh engine. Zero config fields take their defaults.
func NewEngine(store connections.Store, cipher crypto.Cipher, provider TokenProvider, config EngineConfig, opts ...Option) *Engine {
	defaults := DefaultEngineConfig()
	if config.RefreshThreshold <= 0 {
		config.RefreshThreshold = defaults.RefreshThreshold
	}
	if config.ContentionWait <= 0 {
		config.ContentionWait = defaults.ContentionWait
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaults.ProviderTimeout
	}

	e := &Engine{
		store:    store,
		cipher:   cipher,
		provider: provider,
		config:   config,
		now:      time.Now,
		sleep:    utils.SleepContext,
		logger:   logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithFields(logging.Field{Key: "component", Value: "refresh-engine"})
	e.locks = locks.NewCoordinator(store, config.LockTTL, locks.WithClock(e.now))
	return e
}

// Config returns the engine's effective policy.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// GetValidAccessToken returns an access token for connectionID that stays
// valid for at least the refresh threshold, refreshing it if needed.
//
// Errors are the store's not-found error, ErrConnectionInactive, a context
// error, or a *RefreshFailure.
func (e *Engine) GetValidAccessToken(ctx context.Context, connectionID string) (*AccessToken, error) {
	token, outcome, err := e.getValidAccessToken(ctx, connectionID)
	if err != nil {
		e.metrics.RecordTokenRequest(metrics.OutcomeFailed)
		return nil, err
	}
	e.metrics.RecordTokenRequest(outcome)
	return token, nil
}

func (e *Engine) getValidAccessToken(ctx context.Context, connectionID string) (*AccessToken, string, error) {
	log := e.logger.WithFields(logging.Field{Key: "connection_id", Value: connectionID})

	conn, access, refresh, err := e.load(ctx, connectionID)
	if err != nil {
		return nil, "", err
	}
	if e.fresh(conn) {
		return &AccessToken{Value: access, ExpiresAt: conn.ExpiresAt}, metrics.OutcomeCached, nil
	}

	lease, err := e.locks.TryAcquire(ctx, connectionID)
	if err != nil {
		return nil, "", e.storeFailure("failed to acquire refresh lock", err)
	}

	if lease == nil {
		e.metrics.RecordLockContention()
		log.Debug("Refresh lock held elsewhere, waiting",
			logging.Duration("wait", e.config.ContentionWait))

		if err := e.sleep(ctx, e.config.ContentionWait); err != nil {
			return nil, "", err
		}

		conn, access, refresh, err = e.load(ctx, connectionID)
		if err != nil {
			return nil, "", err
		}
		if e.fresh(conn) {
			return &AccessToken{Value: access, ExpiresAt: conn.ExpiresAt}, metrics.OutcomeContendedCached, nil
		}

		lease, err = e.locks.TryAcquire(ctx, connectionID)
		if err != nil {
			return nil, "", e.storeFailure("failed to acquire refresh lock", err)
		}
		if lease == nil {
			// Accepted race: the holder may commit while we refresh with the
			// token we just read. Both rotated tokens stay valid.
			log.Warn("Refresh lock still held after wait, refreshing without it")
		}
	}
	defer func() {
		// Lease.Release is nil-safe, logs its own failure and detaches from ctx.
		_ = lease.Release(ctx)
	}()

	token, err := e.refresh(ctx, conn, refresh, log)
	if err != nil {
		return nil, "", err
	}
	return token, metrics.OutcomeRefreshed, nil
}

// load re-reads the connection and decrypts its tokens.
func (e *Engine) load(ctx context.Context, connectionID string) (*connections.Connection, string, string, error) {
	conn, err := e.store.Fetch(ctx, connectionID)
	if err != nil {
		if stderrors.Is(err, connections.ErrNotFound) {
			return nil, "", "", err
		}
		return nil, "", "", e.storeFailure("failed to load connection", err)
	}
	if !conn.IsActive {
		return nil, "", "", fmt.Errorf("connection %s: %w", connectionID, ErrConnectionInactive)
	}

	access, refresh, err := e.decryptTokens(conn)
	if err == nil {
		return conn, access, refresh, nil
	}

	e.logger.Error("Stored tokens are unusable", err,
		logging.Field{Key: "connection_id", Value: connectionID},
		logging.Field{Key: "tenant_ref", Value: conn.TenantRef},
	)
	return nil, "", "", &RefreshFailure{
		Kind:             DatabaseError,
		Message:          "stored tokens are unusable; reauthorization required",
		ShouldDeactivate: true,
		Cause:            err,
	}
}

// decryptTokens returns ErrEmptyToken when either token decrypts to "".
func (e *Engine) decryptTokens(conn *connections.Connection) (string, string, error) {
	access, err := e.cipher.Decrypt(conn.AccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, err := e.cipher.Decrypt(conn.RefreshToken)
	if err != nil {
		return "", "", err
	}
	if access == "" || refresh == "" {
		return "", "", ErrEmptyToken
	}
	return access, refresh, nil
}

func (e *Engine) fresh(conn *connections.Connection) bool {
	return conn.ExpiresAt.After(e.now().Add(e.config.RefreshThreshold))
}

// refresh calls the provider with retries and persists the result. The
// caller holds the lock, or has given up waiting for it.
//
// Retries stop early when the next backoff plus a full provider call would
// end after the lock expires, so another process cannot take the lock while
// this one is still talking to the provider.
func (e *Engine) refresh(ctx context.Context, conn *connections.Connection, refreshToken string, log logging.Logger) (*AccessToken, error) {
	start := e.now()
	defer func() {
		e.metrics.ObserveRefreshDuration(e.now().Sub(start))
	}()
	deadline := start.Add(e.config.LockTTL - lockMargin)

	var (
		tokens    *TokenResponse
		attempts  int
		outOfTime bool
	)
	retry := utils.RetryConfig{
		MaxAttempts:   e.config.MaxAttempts,
		InitialDelay:  e.config.InitialBackoff,
		BackoffFactor: 2.0,
		Sleep:         e.sleep,
		RetryableErrors: func(err error) bool {
			failure, ok := AsRefreshFailure(err)
			if !ok || !failure.Kind.Retryable() {
				return false
			}
			if attempts >= e.config.MaxAttempts {
				return true
			}
			next := e.now().Add(e.backoff(attempts)).Add(e.config.ProviderTimeout)
			if next.After(deadline) {
				outOfTime = true
				return false
			}
			return true
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn("Token refresh attempt failed, retrying",
				logging.Field{Key: "attempt", Value: attempt},
				logging.Duration("backoff", delay),
				logging.Field{Key: "error", Value: err.Error()},
			)
		},
	}

	err := utils.RetryWithBackoff(ctx, retry, func(attempt int) error {
		attempts = attempt
		var callErr error
		tokens, callErr = e.callProvider(ctx, refreshToken)
		return callErr
	})
	if err != nil {
		failure, ok := AsRefreshFailure(err)
		if !ok {
			failure = &RefreshFailure{
				Kind:    NetworkError,
				Message: "token refresh interrupted",
				Cause:   err,
			}
		}
		if outOfTime {
			log.Warn("Stopping retries before the refresh lock expires",
				logging.Field{Key: "attempts", Value: attempts},
				logging.Duration("lock_ttl", e.config.LockTTL),
			)
		}
		if failure.ShouldDeactivate {
			e.deactivate(ctx, conn, failure, log)
		} else {
			log.Warn("Token refresh failed",
				logging.Field{Key: "kind", Value: failure.Kind.String()},
				logging.Field{Key: "error", Value: failure.Error()},
			)
		}
		return nil, failure
	}

	return e.persist(ctx, conn, refreshToken, tokens, log), nil
}

// callProvider makes one bounded provider call and converts any error into
// a classified *RefreshFailure.
func (e *Engine) callProvider(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.ProviderTimeout)
	defer cancel()

	tokens, err := e.provider.Refresh(callCtx, refreshToken)
	if err == nil {
		e.metrics.RecordRefreshAttempt("success")
		return tokens, nil
	}

	failure := providerFailure(err)
	e.metrics.RecordRefreshAttempt(failure.Kind.String())
	return nil, failure
}

func providerFailure(err error) *RefreshFailure {
	var providerErr *ProviderError
	switch {
	case stderrors.As(err, &providerErr):
		c := providerErr.Classify()
		msg := fmt.Sprintf("token endpoint returned HTTP %d", providerErr.Status)
		if c.Code != "" {
			msg = fmt.Sprintf("%s (%s)", msg, c.Code)
		}
		return &RefreshFailure{Kind: c.Kind, Message: msg, ShouldDeactivate: c.ShouldDeactivate, Cause: err}
	case stderrors.Is(err, ErrInvalidTokenResponse):
		return &RefreshFailure{Kind: Unknown, Message: "token endpoint returned an unusable response", Cause: err}
	case errors.IsType(err, errors.ErrTypeTimeout):
		return &RefreshFailure{Kind: NetworkError, Message: "token endpoint timed out", Cause: err}
	case circuitbreaker.IsRejected(err):
		return &RefreshFailure{Kind: NetworkError, Message: "token endpoint circuit is open", Cause: err}
	default:
		return &RefreshFailure{Kind: NetworkError, Message: "token endpoint unreachable", Cause: err}
	}
}

// persist encrypts and saves the new tokens. A failure here does not fail
// the call: the fresh access token is returned with PersistErr set.
func (e *Engine) persist(ctx context.Context, conn *connections.Connection, oldRefresh string, tokens *TokenResponse, log logging.Logger) *AccessToken {
	now := e.now()
	expiresAt := now
	if tokens.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}
	expiresAt = expiresAt.UTC()

	newRefresh := tokens.RefreshToken
	if newRefresh == "" {
		newRefresh = oldRefresh
	}

	result := &AccessToken{Value: tokens.AccessToken, ExpiresAt: expiresAt, Refreshed: true}

	err := e.saveTokens(ctx, conn.ID, tokens.AccessToken, newRefresh, expiresAt)
	if err != nil {
		result.PersistErr = &RefreshFailure{
			Kind:    DatabaseError,
			Message: "refreshed tokens could not be saved",
			Cause:   err,
		}
		log.Warn("Refreshed tokens could not be saved; next call will refresh again",
			logging.Field{Key: "error", Value: err.Error()})
		return result
	}

	log.Info("Access token refreshed",
		logging.Field{Key: "tenant_ref", Value: conn.TenantRef},
		logging.Field{Key: "expires_at", Value: expiresAt},
	)
	return result
}

func (e *Engine) saveTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error {
	encAccess, err := e.cipher.Encrypt(access)
	if err != nil {
		return err
	}
	encRefresh, err := e.cipher.Encrypt(refresh)
	if err != nil {
		return err
	}
	return e.store.UpdateTokens(ctx, id, encAccess, encRefresh, expiresAt)
}

func (e *Engine) deactivate(ctx context.Context, conn *connections.Connection, failure *RefreshFailure, log logging.Logger) {
	log.Warn("Refresh grant rejected, deactivating connection",
		logging.Field{Key: "tenant_ref", Value: conn.TenantRef},
		logging.Field{Key: "kind", Value: failure.Kind.String()},
	)

	if err := e.store.Deactivate(ctx, conn.ID); err != nil {
		log.Error("Failed to deactivate connection", err,
			logging.Field{Key: "kind", Value: failure.Kind.String()})
		return
	}
	e.metrics.RecordDeactivation(failure.Kind.String())

	if e.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	event := DeactivationEvent{
		ConnectionID: conn.ID,
		TenantRef:    conn.TenantRef,
		Provider:     conn.Provider,
		Kind:         failure.Kind,
		Message:      failure.Message,
		At:           e.now().UTC(),
	}
	if err := e.notifier.NotifyDeactivated(notifyCtx, event); err != nil {
		log.Error("Failed to publish deactivation event", err)
	}
}

// backoff is the wait after the given failed attempt.
func (e *Engine) backoff(attempt int) time.Duration {
	return e.config.InitialBackoff << (attempt - 1)
}

func (e *Engine) storeFailure(msg string, err error) *RefreshFailure {
	return &RefreshFailure{Kind: DatabaseError, Message: msg, Cause: err}
}
