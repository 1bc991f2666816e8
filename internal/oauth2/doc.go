// Package oauth2 keeps accounting-provider access tokens valid.
//
// # Overview
//
// The Engine is the single entry point for code that needs to call the
// provider's API. It takes only a connection id and always re-reads the
// connection from the shared store, so a token rotated by another process
// is never overwritten with stale state.
//
// # Refresh flow
//
//   - Tokens expiring more than RefreshThreshold (15m) from now are
//     returned as-is, without the lock or a network call.
//   - Otherwise the engine takes the connection's store lock. A caller that
//     finds the lock held waits ContentionWait (2s), re-reads the row and
//     returns the rotated token if there is one.
//   - The provider is called up to MaxAttempts (3) times, waiting 1s and
//     then 2s between attempts. Each call is bounded by ProviderTimeout,
//     and a retry is skipped when it could still be running once the lock
//     TTL lapses.
//   - invalid_grant, access_denied and unauthorized_client deactivate the
//     connection. Every other failure is transient and leaves it active.
//
// # Failure kinds
//
//	PermanentlyExpired  deactivate, no retry
//	Revoked             deactivate, no retry
//	RateLimited         retry
//	ServerError         retry
//	MalformedRequest    retry (a bare 400 is not proof the grant is dead)
//	NetworkError        retry
//	DatabaseError       no retry
//	Unknown             retry
//
// # Usage
//
//	engine := oauth2.NewEngine(store, cipher, xero, oauth2.DefaultEngineConfig())
//
//	token, err := engine.GetValidAccessToken(ctx, connectionID)
//	if failure, ok := oauth2.AsRefreshFailure(err); ok && failure.ShouldDeactivate {
//		// ask the tenant to reconnect
//	}
//
// The Sweeper runs the same engine on a cron schedule for connections that
// will expire soon, and CheckConnectionHealth reports on a connection
// without any I/O.
package oauth2
