package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/connections/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "connections.db"))
	require.NoError(t, err)
	require.NoError(t, store.ApplyMigrations())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) connections.Repository {
		return newTestStore(t)
	})
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.ApplyMigrations())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.ApplyMigrations())

	conn := storetest.NewConnection("tenant-a", time.Now().Add(time.Hour))
	require.NoError(t, first.Create(ctx, conn))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Fetch(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got.TenantRef)
}
