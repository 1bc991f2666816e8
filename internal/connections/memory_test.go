package connections_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/connections/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) connections.Repository {
		return connections.NewMemoryStore()
	})
}

func TestMemoryStore_FetchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := connections.NewMemoryStore()

	conn := storetest.NewConnection("tenant-a", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, conn))

	got, err := store.Fetch(ctx, conn.ID)
	require.NoError(t, err)
	got.IsActive = false
	got.AccessToken = "mutated"

	again, err := store.Fetch(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, again.IsActive)
	assert.Equal(t, "enc-access-tenant-a", again.AccessToken)
}

func TestConnection_PrepareForCreate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	conn := &connections.Connection{TenantRef: "t1", AccessToken: "a", RefreshToken: "r", Provider: "XERO"}
	require.NoError(t, conn.PrepareForCreate(now))
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, connections.ProviderXero, conn.Provider)
	assert.Equal(t, now, conn.CreatedAt)
	assert.Equal(t, now, conn.UpdatedAt)

	missingTenant := &connections.Connection{AccessToken: "a", RefreshToken: "r"}
	assert.Error(t, missingTenant.PrepareForCreate(now))

	missingTokens := &connections.Connection{TenantRef: "t1"}
	assert.Error(t, missingTokens.PrepareForCreate(now))
}

func TestConnection_LockHeld(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 30 * time.Second

	conn := &connections.Connection{}
	assert.False(t, conn.LockHeld(now, ttl))

	locked := now.Add(-10 * time.Second)
	conn.RefreshLockedAt = &locked
	assert.True(t, conn.LockHeld(now, ttl))

	stale := now.Add(-31 * time.Second)
	conn.RefreshLockedAt = &stale
	assert.False(t, conn.LockHeld(now, ttl))
}
