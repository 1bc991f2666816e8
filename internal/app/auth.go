package app

import (
	"oauth-refresher/internal/auth"
)

// NewAuth builds the API token service. Revocation is available only with
// Redis configured.
func (app *App) NewAuth() (*auth.Auth, error) {
	if app.RedisClient == nil {
		return auth.New(app.Config.JWTSecret, nil)
	}
	return auth.New(app.Config.JWTSecret, app.RedisClient)
}
