package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/handlers"
	"oauth-refresher/internal/ratelimit"
	"oauth-refresher/internal/server"
)

// Router builds the HTTP API with all handlers configured.
func (app *App) Router() (http.Handler, error) {
	authService, err := app.NewAuth()
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: app.Config.APIRateLimitRPS,
		BurstSize:         app.Config.APIRateLimitBurst,
	})
	if err != nil {
		return nil, err
	}

	h := handlers.New(app.Engine, app.Store, handlers.WithBreaker(app.Provider.Breaker()))

	router := mux.NewRouter()
	SetupRoutes(router, h, authService.RequireJWT, limiter, app.Metrics)
	return router, nil
}

// Serve runs the HTTP API and, when enabled, the sweeper until ctx is done
// or the server fails, then shuts both down.
func (app *App) Serve(ctx context.Context) error {
	router, err := app.Router()
	if err != nil {
		return err
	}

	if app.Config.SweepEnabled {
		sweeper, release, err := app.newSweeper()
		if err != nil {
			return err
		}
		defer release()

		if err := sweeper.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sweeper.Stop(stopCtx); err != nil {
				app.Logger.Warn("Sweeper did not stop cleanly", logging.Err(err))
			}
		}()
	} else {
		app.Logger.Info("Sweeper: Disabled")
	}

	srv := server.New(router, app.Config.Port, "", "")
	errCh, err := srv.Start()
	if err != nil {
		return err
	}
	app.Logger.Info("HTTP server listening", logging.Field{Key: "addr", Value: srv.Addr()})

	select {
	case err := <-errCh:
		if err != nil {
			app.Logger.Error("Server failed", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	app.Logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("Server forced to shutdown", err)
		return err
	}

	app.Logger.Info("Server exited")
	return nil
}
