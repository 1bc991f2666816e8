// Package postgres implements connections.Repository on PostgreSQL using a
// pgx connection pool.
package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/connections"
)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed connection repository.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to the database described by dsn and verifies it responds.
func Open(ctx context.Context, dsn string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.ConfigError("invalid PostgreSQL connection string").WithContext("cause", err.Error())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.ConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.ConnectionError("failed to ping PostgreSQL", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database responds.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectColumns = `id, tenant_ref, provider, provider_tenant_id, provider_tenant_name,
	access_token, refresh_token, expires_at, is_active, refresh_locked_at, created_at, updated_at`

// Create inserts a new connection.
func (s *Store) Create(ctx context.Context, conn *connections.Connection) error {
	if err := conn.PrepareForCreate(s.now()); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		conn.ID, conn.TenantRef, conn.Provider, conn.ProviderTenantID, conn.ProviderTenantName,
		conn.AccessToken, conn.RefreshToken, conn.ExpiresAt, conn.IsActive, conn.RefreshLockedAt,
		conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "idx_connections_active_tenant" {
				return connections.ActiveExists(conn.TenantRef, conn.Provider)
			}
			return errors.ValidationError("connection id already exists").WithContext("connection_id", conn.ID)
		}
		return errors.InternalError("failed to insert connection", err)
	}
	return nil
}

// Fetch loads one connection by id.
func (s *Store) Fetch(ctx context.Context, id string) (*connections.Connection, error) {
	var conn connections.Connection
	err := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM connections WHERE id = $1`, id).Scan(
		&conn.ID, &conn.TenantRef, &conn.Provider, &conn.ProviderTenantID, &conn.ProviderTenantName,
		&conn.AccessToken, &conn.RefreshToken, &conn.ExpiresAt, &conn.IsActive, &conn.RefreshLockedAt,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, connections.NotFound(id)
	}
	if err != nil {
		return nil, errors.InternalError("failed to fetch connection", err)
	}

	conn.ExpiresAt = conn.ExpiresAt.UTC()
	conn.CreatedAt = conn.CreatedAt.UTC()
	conn.UpdatedAt = conn.UpdatedAt.UTC()
	if conn.RefreshLockedAt != nil {
		locked := conn.RefreshLockedAt.UTC()
		conn.RefreshLockedAt = &locked
	}
	return &conn, nil
}

// UpdateTokens replaces both ciphertexts and the expiry.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET access_token = $1, refresh_token = $2, expires_at = $3, updated_at = $4
		WHERE id = $5`,
		accessToken, refreshToken, expiresAt.UTC(), s.now().UTC(), id,
	)
	if err != nil {
		return errors.InternalError("failed to update tokens", err)
	}
	if tag.RowsAffected() == 0 {
		return connections.NotFound(id)
	}
	return nil
}

// TryAcquireLock sets refresh_locked_at in a single conditional update.
func (s *Store) TryAcquireLock(ctx context.Context, id string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET refresh_locked_at = $1
		WHERE id = $2 AND (refresh_locked_at IS NULL OR refresh_locked_at < $3)`,
		now.UTC(), id, now.Add(-ttl).UTC(),
	)
	if err != nil {
		return false, errors.InternalError("failed to acquire refresh lock", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM connections WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, errors.InternalError("failed to check connection", err)
	}
	if !exists {
		return false, connections.NotFound(id)
	}
	return false, nil
}

// ReleaseLock clears refresh_locked_at. Unknown ids are ignored.
func (s *Store) ReleaseLock(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE connections SET refresh_locked_at = NULL WHERE id = $1`, id); err != nil {
		return errors.InternalError("failed to release refresh lock", err)
	}
	return nil
}

// Deactivate marks the connection unusable.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE connections SET is_active = FALSE, updated_at = $1 WHERE id = $2`,
		s.now().UTC(), id)
	if err != nil {
		return errors.InternalError("failed to deactivate connection", err)
	}
	if tag.RowsAffected() == 0 {
		return connections.NotFound(id)
	}
	return nil
}

// ListRefreshDue returns active ids expiring before the cutoff, soonest first.
func (s *Store) ListRefreshDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM connections
		WHERE is_active AND expires_at < $1
		ORDER BY expires_at ASC, id ASC`
	args := []any{before.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.InternalError("failed to list due connections", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.InternalError("failed to read due connections", err)
	}
	return ids, nil
}
