package locks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/redis"
)

// ErrNotAcquired is returned when a leader lock is held elsewhere or Redis
// could not grant it.
var ErrNotAcquired = stderrors.New("lock not acquired")

// Lock is a held leader lock.
type Lock interface {
	// Key returns the unique identifier for this lock.
	Key() string

	// Release stops renewal and deletes the lock in Redis. Repeated calls
	// are no-ops.
	Release(ctx context.Context) error

	// IsHeld returns true until the lock is released or a renewal fails.
	// This checks the local state and does not query Redis.
	IsHeld() bool
}

// RedsyncManager implements leader locks using the Redlock algorithm via
// go-redsync/redsync/v4. Acquisition makes a single attempt: callers that
// lose simply skip their work for this round.
//
// RedsyncManager is safe for concurrent use by multiple goroutines.
type RedsyncManager struct {
	redsync    *redsync.Redsync        // The redsync instance
	localLocks map[string]*RedsyncLock // Local tracking of acquired locks
	mutex      sync.RWMutex            // Protects localLocks map
}

// RedsyncLock wraps a redsync.Mutex with automatic renewal.
type RedsyncLock struct {
	mutex      *redsync.Mutex     // The underlying redsync mutex
	key        string             // The lock key
	expiration time.Duration      // Lock expiration duration
	acquired   time.Time          // When the lock was acquired
	ctx        context.Context    // Context for canceling renewal
	cancel     context.CancelFunc // Function to cancel renewal goroutine
	manager    *RedsyncManager    // Reference to manager for cleanup
	once       sync.Once
}

// NewRedsyncManager creates a leader lock manager on a connected client.
//
// Example:
//
//	manager, err := locks.NewRedsyncManager(redisClient)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Close()
func NewRedsyncManager(redisClient *redis.Client) (*RedsyncManager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}

	pool := goredis.NewPool(redisClient.GoRedis())

	return &RedsyncManager{
		redsync:    redsync.New(pool),
		localLocks: make(map[string]*RedsyncLock),
	}, nil
}

// TryAcquire makes one attempt to take key for expiration. The lock is
// renewed in the background at a third of the expiration until released.
// A lock held by another instance yields an error matching ErrNotAcquired.
func (rm *RedsyncManager) TryAcquire(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	mutex := rm.redsync.NewMutex(fmt.Sprintf("lock:%s", key),
		redsync.WithExpiry(expiration),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, err)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &RedsyncLock{
		mutex:      mutex,
		key:        key,
		expiration: expiration,
		acquired:   time.Now(),
		ctx:        lockCtx,
		cancel:     cancel,
		manager:    rm,
	}

	rm.mutex.Lock()
	rm.localLocks[key] = lock
	rm.mutex.Unlock()

	go rm.renewLock(lock)

	return lock, nil
}

// AcquireSweeperLock takes the leader lock for the named sweeper.
func (rm *RedsyncManager) AcquireSweeperLock(ctx context.Context, sweeperID string, expiration time.Duration) (Lock, error) {
	return rm.TryAcquire(ctx, fmt.Sprintf("sweeper:%s", sweeperID), expiration)
}

// renewLock extends the mutex at a third of its expiry, minimum one second,
// until the lock is released or an extension fails.
func (rm *RedsyncManager) renewLock(lock *RedsyncLock) {
	renewInterval := lock.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				logging.Warn("Leader lock lost during renewal",
					logging.Field{Key: "key", Value: lock.key},
					logging.Field{Key: "held_for", Value: time.Since(lock.acquired)},
				)
				_ = lock.Release(context.Background())
				return
			}
		}
	}
}

// Close releases all locks managed by this manager.
func (rm *RedsyncManager) Close() error {
	rm.mutex.RLock()
	held := make([]*RedsyncLock, 0, len(rm.localLocks))
	for _, lock := range rm.localLocks {
		held = append(held, lock)
	}
	rm.mutex.RUnlock()

	for _, lock := range held {
		_ = lock.Release(context.Background())
	}
	return nil
}

// Key returns the unique identifier for this lock.
func (rl *RedsyncLock) Key() string {
	return rl.key
}

// Release stops renewal and unlocks the mutex in Redis.
func (rl *RedsyncLock) Release(ctx context.Context) error {
	var err error
	rl.once.Do(func() {
		rl.cancel()

		rl.manager.mutex.Lock()
		delete(rl.manager.localLocks, rl.key)
		rl.manager.mutex.Unlock()

		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, unlockErr := rl.mutex.UnlockContext(unlockCtx); unlockErr != nil {
			err = errors.InternalError("failed to release leader lock", unlockErr).WithContext("key", rl.key)
		}
	})
	return err
}

// IsHeld returns true if the lock is currently held by this instance.
func (rl *RedsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}
