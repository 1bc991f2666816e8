// Package storetest holds the behaviour every connections.Repository
// implementation must share. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/connections"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) connections.Repository

// Run executes the shared repository suite against the factory's backend.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateAndFetch", func(t *testing.T) { testCreateAndFetch(t, newRepo(t)) })
	t.Run("FetchNotFound", func(t *testing.T) { testFetchNotFound(t, newRepo(t)) })
	t.Run("OneActivePerTenant", func(t *testing.T) { testOneActivePerTenant(t, newRepo(t)) })
	t.Run("UpdateTokens", func(t *testing.T) { testUpdateTokens(t, newRepo(t)) })
	t.Run("LockLifecycle", func(t *testing.T) { testLockLifecycle(t, newRepo(t)) })
	t.Run("LockSelfHealing", func(t *testing.T) { testLockSelfHealing(t, newRepo(t)) })
	t.Run("LockConcurrentAcquire", func(t *testing.T) { testLockConcurrentAcquire(t, newRepo(t)) })
	t.Run("Deactivate", func(t *testing.T) { testDeactivate(t, newRepo(t)) })
	t.Run("ListRefreshDue", func(t *testing.T) { testListRefreshDue(t, newRepo(t)) })
	t.Run("Ping", func(t *testing.T) { assert.NoError(t, newRepo(t).Ping(context.Background())) })
}

// NewConnection returns an active connection with placeholder ciphertexts.
func NewConnection(tenantRef string, expiresAt time.Time) *connections.Connection {
	return &connections.Connection{
		TenantRef:          tenantRef,
		Provider:           connections.ProviderXero,
		ProviderTenantID:   "xero-" + tenantRef,
		ProviderTenantName: "Org " + tenantRef,
		AccessToken:        "enc-access-" + tenantRef,
		RefreshToken:       "enc-refresh-" + tenantRef,
		ExpiresAt:          expiresAt,
		IsActive:           true,
	}
}

func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func testCreateAndFetch(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	expires := baseTime().Add(30 * time.Minute)

	conn := NewConnection("tenant-a", expires)
	require.NoError(t, repo.Create(ctx, conn))
	require.NotEmpty(t, conn.ID, "Create assigns an id")

	got, err := repo.Fetch(ctx, conn.ID)
	require.NoError(t, err)

	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, "tenant-a", got.TenantRef)
	assert.Equal(t, connections.ProviderXero, got.Provider)
	assert.Equal(t, "xero-tenant-a", got.ProviderTenantID)
	assert.Equal(t, "Org tenant-a", got.ProviderTenantName)
	assert.Equal(t, "enc-access-tenant-a", got.AccessToken)
	assert.Equal(t, "enc-refresh-tenant-a", got.RefreshToken)
	assert.True(t, expires.Equal(got.ExpiresAt), "expires_at %s != %s", got.ExpiresAt, expires)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.RefreshLockedAt)
}

func testFetchNotFound(t *testing.T, repo connections.Repository) {
	_, err := repo.Fetch(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, connections.ErrNotFound))
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}

func testOneActivePerTenant(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	expires := baseTime().Add(time.Hour)

	require.NoError(t, repo.Create(ctx, NewConnection("tenant-a", expires)))

	err := repo.Create(ctx, NewConnection("tenant-a", expires))
	require.Error(t, err)
	assert.True(t, errors.Is(err, connections.ErrActiveExists))

	inactive := NewConnection("tenant-a", expires)
	inactive.IsActive = false
	assert.NoError(t, repo.Create(ctx, inactive), "inactive history rows are allowed")

	assert.NoError(t, repo.Create(ctx, NewConnection("tenant-b", expires)))
}

func testUpdateTokens(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	conn := NewConnection("tenant-a", baseTime())
	require.NoError(t, repo.Create(ctx, conn))

	newExpiry := baseTime().Add(30 * time.Minute)
	require.NoError(t, repo.UpdateTokens(ctx, conn.ID, "enc-access-2", "enc-refresh-2", newExpiry))

	got, err := repo.Fetch(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc-access-2", got.AccessToken)
	assert.Equal(t, "enc-refresh-2", got.RefreshToken)
	assert.True(t, newExpiry.Equal(got.ExpiresAt))

	err = repo.UpdateTokens(ctx, "missing", "a", "r", newExpiry)
	assert.True(t, errors.Is(err, connections.ErrNotFound))
}

func testLockLifecycle(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	ttl := 30 * time.Second
	now := baseTime()

	conn := NewConnection("tenant-a", now)
	require.NoError(t, repo.Create(ctx, conn))

	ok, err := repo.TryAcquireLock(ctx, conn.ID, now, ttl)
	require.NoError(t, err)
	assert.True(t, ok, "first acquire succeeds")

	got, err := repo.Fetch(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RefreshLockedAt)
	assert.True(t, now.Equal(*got.RefreshLockedAt))

	ok, err = repo.TryAcquireLock(ctx, conn.ID, now.Add(5*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "live lock blocks a second holder")

	require.NoError(t, repo.ReleaseLock(ctx, conn.ID))
	require.NoError(t, repo.ReleaseLock(ctx, conn.ID), "release is idempotent")
	require.NoError(t, repo.ReleaseLock(ctx, "missing"), "release of unknown id is a no-op")

	got, err = repo.Fetch(ctx, conn.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RefreshLockedAt)

	ok, err = repo.TryAcquireLock(ctx, conn.ID, now.Add(6*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "lock can be taken again after release")

	_, err = repo.TryAcquireLock(ctx, "missing", now, ttl)
	assert.True(t, errors.Is(err, connections.ErrNotFound))
}

func testLockSelfHealing(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	ttl := 30 * time.Second
	now := baseTime()

	conn := NewConnection("tenant-a", now)
	require.NoError(t, repo.Create(ctx, conn))

	ok, err := repo.TryAcquireLock(ctx, conn.ID, now, ttl)
	require.NoError(t, err)
	require.True(t, ok)

	// The holder crashed without releasing.
	ok, err = repo.TryAcquireLock(ctx, conn.ID, now.Add(29*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.TryAcquireLock(ctx, conn.ID, now.Add(31*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "stale lock is overridden")
}

func testLockConcurrentAcquire(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	now := baseTime()

	conn := NewConnection("tenant-a", now)
	require.NoError(t, repo.Create(ctx, conn))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.TryAcquireLock(ctx, conn.ID, now, 30*time.Second)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				winners++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, winners, "exactly one concurrent caller holds the lock")
}

func testDeactivate(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	conn := NewConnection("tenant-a", baseTime())
	require.NoError(t, repo.Create(ctx, conn))

	require.NoError(t, repo.Deactivate(ctx, conn.ID))

	got, err := repo.Fetch(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	assert.NoError(t, repo.Create(ctx, NewConnection("tenant-a", baseTime())),
		"tenant can reconnect after deactivation")

	err = repo.Deactivate(ctx, "missing")
	assert.True(t, errors.Is(err, connections.ErrNotFound))
}

func testListRefreshDue(t *testing.T, repo connections.Repository) {
	ctx := context.Background()
	now := baseTime()

	soonest := NewConnection("tenant-soonest", now.Add(2*time.Minute))
	soon := NewConnection("tenant-soon", now.Add(10*time.Minute))
	later := NewConnection("tenant-later", now.Add(2*time.Hour))
	inactive := NewConnection("tenant-inactive", now.Add(time.Minute))
	inactive.IsActive = false

	for _, c := range []*connections.Connection{soon, later, inactive, soonest} {
		require.NoError(t, repo.Create(ctx, c))
	}

	cutoff := now.Add(15 * time.Minute)

	ids, err := repo.ListRefreshDue(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{soonest.ID, soon.ID}, ids)

	ids, err = repo.ListRefreshDue(ctx, cutoff, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{soonest.ID}, ids)

	ids, err = repo.ListRefreshDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
