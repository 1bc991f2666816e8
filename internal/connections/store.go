package connections

import (
	"context"
	stderrors "errors"
	"time"

	"oauth-refresher/internal/common/errors"
)

var (
	// ErrNotFound is wrapped by every store's not-found error.
	ErrNotFound = stderrors.New("connection not found")

	// ErrActiveExists is returned by Create when the tenant already has an
	// active connection for the provider.
	ErrActiveExists = stderrors.New("active connection already exists for tenant and provider")
)

// NotFound builds the error stores return for an unknown id. It matches both
// errors.Is(err, ErrNotFound) and the application's not_found error type.
func NotFound(id string) error {
	err := errors.NotFoundError("connection").WithContext("connection_id", id)
	err.Cause = ErrNotFound
	return err
}

// ActiveExists builds the error Create returns on a uniqueness conflict.
func ActiveExists(tenantRef, provider string) error {
	err := errors.ValidationError("connection already active").
		WithContext("tenant_ref", tenantRef).
		WithContext("provider", provider)
	err.Cause = ErrActiveExists
	return err
}

// Store is the persistence contract the refresh engine depends on.
//
// TryAcquireLock must be a single conditional update: it sets
// refresh_locked_at to now only when the column is null or older than
// now-ttl, and reports whether it did. ReleaseLock clears the column
// unconditionally and succeeds for unknown ids.
type Store interface {
	Fetch(ctx context.Context, id string) (*Connection, error)
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	TryAcquireLock(ctx context.Context, id string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
}

// Repository is a Store with the administrative operations used by the
// sweeper, the CLI and readiness checks.
type Repository interface {
	Store

	// Create inserts a new connection. Only one active connection may exist
	// per tenant and provider.
	Create(ctx context.Context, conn *Connection) error

	// ListRefreshDue returns ids of active connections expiring before the
	// given instant, soonest first.
	ListRefreshDue(ctx context.Context, before time.Time, limit int) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
