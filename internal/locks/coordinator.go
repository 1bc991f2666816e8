// Package locks coordinates exclusive work across processes.
//
// Coordinator serializes token refreshes for a single connection through
// the connection store itself: the refresh marker column is set with a
// conditional update and cleared on release. A marker older than the TTL is
// treated as abandoned and may be taken over, so a crashed holder blocks
// refreshes for at most one TTL.
//
// RedsyncManager provides process-wide leader locks (the proactive sweeper)
// on Redis using the Redlock algorithm.
//
// Example usage:
//
//	coord := locks.NewCoordinator(store, 30*time.Second)
//
//	lease, err := coord.TryAcquire(ctx, connectionID)
//	if err != nil {
//		return err
//	}
//	if lease == nil {
//		// another caller is refreshing
//	}
//	defer lease.Release(context.Background())
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/connections"
)

// DefaultTTL bounds how long a refresh marker is honoured.
const DefaultTTL = 30 * time.Second

// releaseTimeout bounds the store call made when a lease is released.
const releaseTimeout = 5 * time.Second

// LockStore is the subset of connections.Store the coordinator needs.
type LockStore interface {
	TryAcquireLock(ctx context.Context, id string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, id string) error
}

var _ LockStore = (connections.Store)(nil)

// Coordinator hands out per-connection refresh leases.
//
// Coordinator is safe for concurrent use by multiple goroutines.
type Coordinator struct {
	store LockStore
	ttl   time.Duration
	now   func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the time source used to stamp and age markers.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator over store. A non-positive ttl
// selects DefaultTTL.
func NewCoordinator(store LockStore, ttl time.Duration, opts ...CoordinatorOption) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Coordinator{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the marker lifetime.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// Lease is a held refresh lock on one connection.
type Lease struct {
	ConnectionID string
	Holder       string
	AcquiredAt   time.Time
	ExpiresAt    time.Time

	store    LockStore
	once     sync.Once
	released error
}

// TryAcquire takes the refresh lock for connectionID. It returns a nil lease
// and nil error when a live holder already has it.
func (c *Coordinator) TryAcquire(ctx context.Context, connectionID string) (*Lease, error) {
	now := c.now()

	ok, err := c.store.TryAcquireLock(ctx, connectionID, now, c.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	lease := &Lease{
		ConnectionID: connectionID,
		Holder:       uuid.NewString(),
		AcquiredAt:   now,
		ExpiresAt:    now.Add(c.ttl),
		store:        c.store,
	}

	logging.Debug("Refresh lock acquired",
		logging.Field{Key: "connection_id", Value: connectionID},
		logging.Field{Key: "holder", Value: lease.Holder},
		logging.Field{Key: "expires_at", Value: lease.ExpiresAt},
	)
	return lease, nil
}

// Release clears the lock for connectionID without a lease. Releasing an
// unlocked connection succeeds.
func (c *Coordinator) Release(ctx context.Context, connectionID string) error {
	return c.store.ReleaseLock(ctx, connectionID)
}

// WithLock runs fn while holding the lock and always releases afterwards.
// acquired is false, and fn is not called, when another holder is live.
func (c *Coordinator) WithLock(ctx context.Context, connectionID string, fn func(ctx context.Context) error) (acquired bool, err error) {
	lease, err := c.TryAcquire(ctx, connectionID)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	defer func() {
		if releaseErr := lease.Release(context.Background()); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	return true, fn(ctx)
}

// Release returns the lock to the store. Repeated calls are no-ops and
// return the first call's result. The store call gets its own short
// deadline so a cancelled request context cannot strand the marker.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}

	l.once.Do(func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		if err := l.store.ReleaseLock(releaseCtx, l.ConnectionID); err != nil {
			l.released = errors.InternalError("failed to release refresh lock", err).
				WithContext("connection_id", l.ConnectionID)
			logging.Warn("Refresh lock release failed; marker will expire",
				logging.Field{Key: "connection_id", Value: l.ConnectionID},
				logging.Field{Key: "holder", Value: l.Holder},
				logging.Err(err),
			)
			return
		}

		logging.Debug("Refresh lock released",
			logging.Field{Key: "connection_id", Value: l.ConnectionID},
			logging.Field{Key: "holder", Value: l.Holder},
		)
	})
	return l.released
}
