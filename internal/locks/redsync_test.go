package locks

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oauth-refresher/internal/redis"
)

func setupRedsync(t *testing.T) (*RedsyncManager, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)

	redisClient, err := redis.NewClient(&redis.Config{Address: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	manager, err := NewRedsyncManager(redisClient)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return manager, s
}

func TestRedsyncManager_TryAcquire(t *testing.T) {
	manager, s := setupRedsync(t)
	ctx := context.Background()

	t.Run("successful lock acquisition", func(t *testing.T) {
		lock, err := manager.TryAcquire(ctx, "test-lock", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, lock)

		assert.Equal(t, "test-lock", lock.Key())
		assert.True(t, lock.IsHeld())
		assert.True(t, s.Exists("lock:test-lock"))

		require.NoError(t, lock.Release(ctx))
		assert.False(t, lock.IsHeld())
		assert.False(t, s.Exists("lock:test-lock"))

		assert.NoError(t, lock.Release(ctx), "second release is a no-op")
	})

	t.Run("lock contention", func(t *testing.T) {
		lock1, err := manager.TryAcquire(ctx, "contended-lock", 30*time.Second)
		require.NoError(t, err)
		defer lock1.Release(ctx)

		lock2, err := manager.TryAcquire(ctx, "contended-lock", 30*time.Second)
		assert.Nil(t, lock2)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, ErrNotAcquired))
	})

	t.Run("reacquire after release", func(t *testing.T) {
		lock1, err := manager.TryAcquire(ctx, "cycle-lock", 30*time.Second)
		require.NoError(t, err)
		require.NoError(t, lock1.Release(ctx))

		lock2, err := manager.TryAcquire(ctx, "cycle-lock", 30*time.Second)
		require.NoError(t, err)
		require.NoError(t, lock2.Release(ctx))
	})
}

func TestRedsyncManager_SweeperLock(t *testing.T) {
	manager, _ := setupRedsync(t)
	ctx := context.Background()

	lock, err := manager.AcquireSweeperLock(ctx, "oauth-refresher", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "sweeper:oauth-refresher", lock.Key())
	require.NoError(t, lock.Release(ctx))
}

func TestRedsyncManager_CloseReleasesLocks(t *testing.T) {
	manager, s := setupRedsync(t)
	ctx := context.Background()

	lock, err := manager.TryAcquire(ctx, "closing", time.Minute)
	require.NoError(t, err)

	require.NoError(t, manager.Close())
	assert.False(t, lock.IsHeld())
	assert.False(t, s.Exists("lock:closing"))
}

func TestRedsyncManager_NilRedisClient(t *testing.T) {
	manager, err := NewRedsyncManager(nil)
	assert.Error(t, err)
	assert.Nil(t, manager)
	assert.Contains(t, err.Error(), "redis client is required")
}
