// Package storage selects and opens the connection repository named by
// DATABASE_TYPE.
//
// Example usage:
//
//	repo, err := storage.Open(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer repo.Close()
//
//	if err := storage.Migrate(repo); err != nil {
//		log.Fatal(err)
//	}
package storage

import (
	"context"

	goredis "github.com/go-redis/redis/v8"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/config"
	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/storage/postgres"
	redisstore "oauth-refresher/internal/storage/redis"
	"oauth-refresher/internal/storage/sqlite"
)

// Migrator is implemented by SQL stores with embedded schema migrations.
type Migrator interface {
	ApplyMigrations() error
}

// DefaultRegistry knows every built-in backend.
var DefaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("sqlite", openSQLite)
	r.Register("postgres", openPostgres)
	r.Register("postgresql", openPostgres)
	r.Register("redis", openRedis)
	return r
}

// Open creates the repository selected by cfg.DatabaseType.
func Open(ctx context.Context, cfg *config.Config) (connections.Repository, error) {
	if !DefaultRegistry.IsRegistered(cfg.DatabaseType) {
		return nil, errors.ConfigError("unsupported database type").
			WithContext("database_type", cfg.DatabaseType).
			WithContext("available", DefaultRegistry.GetAvailableTypes())
	}
	return DefaultRegistry.Create(ctx, cfg.DatabaseType, cfg)
}

// Migrate applies schema migrations when the repository has any. Redis
// needs none.
func Migrate(repo connections.Repository) error {
	m, ok := repo.(Migrator)
	if !ok {
		return nil
	}
	if err := m.ApplyMigrations(); err != nil {
		return errors.InternalError("failed to apply migrations", err)
	}
	return nil
}

func openSQLite(ctx context.Context, cfg *config.Config) (connections.Repository, error) {
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (connections.Repository, error) {
	store, err := postgres.Open(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (connections.Repository, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDBNumber(),
		PoolSize: cfg.RedisPoolSizeNumber(),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.ConnectionError("failed to connect to Redis", err).WithContext("address", cfg.RedisAddress)
	}
	return redisstore.NewStore(rdb, redisstore.DefaultPrefix), nil
}
