package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/config"
	"oauth-refresher/internal/connections"
	redisstore "oauth-refresher/internal/storage/redis"
	"oauth-refresher/internal/storage/sqlite"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.IsRegistered("memory"))

	r.Register("memory", func(ctx context.Context, cfg *config.Config) (connections.Repository, error) {
		return connections.NewMemoryStore(), nil
	})
	assert.True(t, r.IsRegistered("memory"))
	assert.Equal(t, []string{"memory"}, r.GetAvailableTypes())

	repo, err := r.Create(context.Background(), "memory", &config.Config{})
	require.NoError(t, err)
	assert.IsType(t, &connections.MemoryStore{}, repo)

	_, err = r.Create(context.Background(), "mysql", &config.Config{})
	assert.Error(t, err)
}

func TestDefaultRegistry_Types(t *testing.T) {
	assert.Equal(t, []string{"postgres", "postgresql", "redis", "sqlite"}, DefaultRegistry.GetAvailableTypes())
}

func TestOpen_SQLiteAndMigrate(t *testing.T) {
	cfg := &config.Config{
		DatabaseType: "sqlite",
		DatabasePath: filepath.Join(t.TempDir(), "factory.db"),
	}

	repo, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer repo.Close()

	assert.IsType(t, &sqlite.Store{}, repo)
	require.NoError(t, Migrate(repo))
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		DatabaseType:  "redis",
		RedisAddress:  mr.Addr(),
		RedisDB:       "0",
		RedisPoolSize: "5",
	}

	repo, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer repo.Close()

	assert.IsType(t, &redisstore.Store{}, repo)
	assert.NoError(t, Migrate(repo), "redis has nothing to migrate")
}

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{DatabaseType: "mysql"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}
