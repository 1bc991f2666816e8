package app

import (
	"context"

	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/config"
	"oauth-refresher/internal/storage"
)

func (app *App) initializeStorage(ctx context.Context) error {
	switch app.Config.DatabaseType {
	case "postgres", "postgresql":
		app.Logger.Info("Database: PostgreSQL",
			logging.Field{Key: "host", Value: app.Config.PostgresHost},
			logging.Field{Key: "port", Value: app.Config.PostgresPort},
			logging.Field{Key: "database", Value: app.Config.PostgresDB},
		)
	case "redis":
		app.Logger.Info("Database: Redis", logging.Field{Key: "address", Value: app.Config.RedisAddress})
	default:
		app.Logger.Info("Database: SQLite", logging.Field{Key: "path", Value: app.Config.DatabasePath})
	}

	store, err := storage.Open(ctx, app.Config)
	if err != nil {
		return err
	}

	// Migrations are idempotent; SQL backends are brought up to date on start.
	if err := storage.Migrate(store); err != nil {
		_ = store.Close()
		return err
	}

	app.Store = store
	return nil
}

// Migrate opens the configured store, applies its migrations and closes it.
// Only storage settings need to be valid.
func Migrate(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, ok := store.(storage.Migrator); !ok {
		logging.Info("Store has no schema migrations", logging.Field{Key: "database_type", Value: cfg.DatabaseType})
		return nil
	}
	if err := storage.Migrate(store); err != nil {
		return err
	}
	logging.Info("Migrations applied", logging.Field{Key: "database_type", Value: cfg.DatabaseType})
	return nil
}
