package app

import (
	"context"

	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/config"
	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/crypto"
	"oauth-refresher/internal/metrics"
	"oauth-refresher/internal/oauth2"
	"oauth-refresher/internal/redis"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Store       connections.Repository
	Cipher      *crypto.TokenCipher
	RedisClient *redis.Client
	Provider    *oauth2.XeroClient
	Engine      *oauth2.Engine
	Metrics     *metrics.Metrics
	Logger      logging.Logger
}

// New creates a new application instance with all dependencies. The config
// must already be validated.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		Config:  cfg,
		Metrics: metrics.NewMetrics(metrics.DefaultNamespace),
		Logger:  logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	// Initialize components in order of dependency
	if err := app.initializeStorage(ctx); err != nil {
		return nil, err
	}

	if err := app.initializeRedis(); err != nil {
		// Redis only backs optional features here, just log the error
		app.Logger.Warn("Redis initialization failed, continuing without Redis",
			logging.Field{Key: "error", Value: err.Error()})
	}

	if err := app.initializeEncryption(); err != nil {
		app.Close()
		return nil, err
	}

	if err := app.initializeOAuth(); err != nil {
		app.Close()
		return nil, err
	}

	return app, nil
}

// Close releases all resources
func (app *App) Close() {
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Warn("Error closing connection store", logging.Err(err))
		}
	}
	if app.RedisClient != nil {
		if err := app.RedisClient.Close(); err != nil {
			app.Logger.Warn("Error closing Redis client", logging.Err(err))
		}
	}
}
