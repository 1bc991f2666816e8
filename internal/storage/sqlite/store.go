// Package sqlite implements connections.Repository on a SQLite database
// using github.com/mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/connections"
)

// Store is a SQLite-backed connection repository. Timestamps are stored as
// unix milliseconds so the lock comparison is a plain integer compare.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the database at path. The pool is limited
// to one connection since SQLite serializes writers anyway.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.ValidationError("database path is required")
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.ConnectionError("failed to open database", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.ConnectionError("failed to ping database", err)
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const selectColumns = `id, tenant_ref, provider, provider_tenant_id, provider_tenant_name,
	access_token, refresh_token, expires_at, is_active, refresh_locked_at, created_at, updated_at`

// Create inserts a new connection.
func (s *Store) Create(ctx context.Context, conn *connections.Connection) error {
	if err := conn.PrepareForCreate(s.now()); err != nil {
		return err
	}

	var lockedAt sql.NullInt64
	if conn.RefreshLockedAt != nil {
		lockedAt = sql.NullInt64{Int64: toMillis(*conn.RefreshLockedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.TenantRef, conn.Provider, conn.ProviderTenantID, conn.ProviderTenantName,
		conn.AccessToken, conn.RefreshToken, toMillis(conn.ExpiresAt), conn.IsActive, lockedAt,
		toMillis(conn.CreatedAt), toMillis(conn.UpdatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if stderrors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return connections.ActiveExists(conn.TenantRef, conn.Provider)
		}
		if stderrors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return errors.ValidationError("connection id already exists").WithContext("connection_id", conn.ID)
		}
		return errors.InternalError("failed to insert connection", err)
	}
	return nil
}

// Fetch loads one connection by id.
func (s *Store) Fetch(ctx context.Context, id string) (*connections.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM connections WHERE id = ?`, id)

	var (
		conn                          connections.Connection
		expiresAt, createdAt, updated int64
		lockedAt                      sql.NullInt64
	)
	err := row.Scan(&conn.ID, &conn.TenantRef, &conn.Provider, &conn.ProviderTenantID, &conn.ProviderTenantName,
		&conn.AccessToken, &conn.RefreshToken, &expiresAt, &conn.IsActive, &lockedAt, &createdAt, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, connections.NotFound(id)
	}
	if err != nil {
		return nil, errors.InternalError("failed to fetch connection", err)
	}

	conn.ExpiresAt = fromMillis(expiresAt)
	conn.CreatedAt = fromMillis(createdAt)
	conn.UpdatedAt = fromMillis(updated)
	if lockedAt.Valid {
		locked := fromMillis(lockedAt.Int64)
		conn.RefreshLockedAt = &locked
	}
	return &conn, nil
}

// UpdateTokens replaces both ciphertexts and the expiry.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		accessToken, refreshToken, toMillis(expiresAt), toMillis(s.now()), id,
	)
	if err != nil {
		return errors.InternalError("failed to update tokens", err)
	}
	return requireRow(res, id)
}

// TryAcquireLock sets refresh_locked_at in a single conditional update.
func (s *Store) TryAcquireLock(ctx context.Context, id string, now time.Time, ttl time.Duration) (bool, error) {
	cutoff := now.Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET refresh_locked_at = ?
		WHERE id = ? AND (refresh_locked_at IS NULL OR refresh_locked_at < ?)`,
		toMillis(now), id, toMillis(cutoff),
	)
	if err != nil {
		return false, errors.InternalError("failed to acquire refresh lock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.InternalError("failed to read lock result", err)
	}
	if affected == 1 {
		return true, nil
	}

	// Distinguish a held lock from an unknown id.
	if _, err := s.Fetch(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseLock clears refresh_locked_at. Unknown ids are ignored.
func (s *Store) ReleaseLock(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE connections SET refresh_locked_at = NULL WHERE id = ?`, id); err != nil {
		return errors.InternalError("failed to release refresh lock", err)
	}
	return nil
}

// Deactivate marks the connection unusable.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE connections SET is_active = 0, updated_at = ? WHERE id = ?`,
		toMillis(s.now()), id)
	if err != nil {
		return errors.InternalError("failed to deactivate connection", err)
	}
	return requireRow(res, id)
}

// ListRefreshDue returns active ids expiring before the cutoff, soonest first.
func (s *Store) ListRefreshDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM connections
		WHERE is_active = 1 AND expires_at < ?
		ORDER BY expires_at ASC, id ASC
		LIMIT ?`,
		toMillis(before), limit,
	)
	if err != nil {
		return nil, errors.InternalError("failed to list due connections", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.InternalError("failed to scan connection id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InternalError("failed to iterate due connections", err)
	}
	return ids, nil
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.InternalError("failed to read update result", err)
	}
	if affected == 0 {
		return connections.NotFound(id)
	}
	return nil
}

// String identifies the store in logs.
func (s *Store) String() string {
	return fmt.Sprintf("sqlite(%s)", s.path)
}
