package app

import (
	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/crypto"
	"oauth-refresher/internal/locks"
	"oauth-refresher/internal/oauth2"
)

func (app *App) initializeEncryption() error {
	cipher, err := crypto.NewTokenCipher(app.Config.EncryptionKey)
	if err != nil {
		return err
	}
	app.Cipher = cipher
	return nil
}

func (app *App) initializeOAuth() error {
	provider, err := oauth2.NewXeroClient(oauth2.XeroConfig{
		ClientID:     app.Config.XeroClientID,
		ClientSecret: app.Config.XeroClientSecret,
		TokenURL:     app.Config.XeroTokenURL,
		Timeout:      app.Config.ProviderTimeout,
	})
	if err != nil {
		return err
	}
	app.Provider = provider

	opts := []oauth2.Option{oauth2.WithMetrics(app.Metrics)}
	if app.RedisClient != nil {
		opts = append(opts, oauth2.WithNotifier(oauth2.NewPubSubNotifier(app.RedisClient, app.Config.DeactivationTopic)))
		app.Logger.Info("Deactivation events: Enabled", logging.Field{Key: "channel", Value: app.Config.DeactivationTopic})
	}

	app.Engine = oauth2.NewEngine(app.Store, app.Cipher, provider, oauth2.EngineConfig{
		RefreshThreshold: app.Config.RefreshThreshold,
		ContentionWait:   app.Config.ContentionWait,
		LockTTL:          app.Config.LockTTL,
		MaxAttempts:      app.Config.MaxAttempts,
		InitialBackoff:   app.Config.InitialBackoff,
		ProviderTimeout:  app.Config.ProviderTimeout,
	}, opts...)
	return nil
}

// newSweeper builds the proactive refresh sweeper. With Redis configured,
// only the instance holding the leader lock sweeps. The returned release
// func frees the lock manager.
func (app *App) newSweeper() (*oauth2.Sweeper, func(), error) {
	opts := []oauth2.SweeperOption{oauth2.WithSweeperMetrics(app.Metrics)}
	release := func() {}

	if app.RedisClient != nil {
		manager, err := locks.NewRedsyncManager(app.RedisClient)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, oauth2.WithLeaderLock(manager))
		release = func() {
			if err := manager.Close(); err != nil {
				app.Logger.Warn("Error closing leader lock manager", logging.Err(err))
			}
		}
	}

	sweeper, err := oauth2.NewSweeper(app.Store, app.Engine, oauth2.SweeperConfig{
		Schedule:  app.Config.SweepSchedule,
		BatchSize: app.Config.SweepBatchSize,
		Lookahead: app.Config.RefreshThreshold,
	}, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return sweeper, release, nil
}
