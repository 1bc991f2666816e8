package connections

import (
	"context"
	"sort"
	"sync"
	"time"

	"oauth-refresher/internal/common/errors"
)

// MemoryStore implements Repository in process memory.
//
// The lock column is guarded by the same mutex as the rest of the row, so
// TryAcquireLock has the same compare-and-set semantics as the SQL stores.
// It is intended for tests and single-process development.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns: make(map[string]*Connection),
		now:   time.Now,
	}
}

// Create inserts a copy of conn.
func (s *MemoryStore) Create(ctx context.Context, conn *Connection) error {
	if err := conn.PrepareForCreate(s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conns[conn.ID]; exists {
		return errors.ValidationError("connection id already exists").WithContext("connection_id", conn.ID)
	}
	if conn.IsActive {
		for _, existing := range s.conns {
			if existing.IsActive && existing.TenantRef == conn.TenantRef && existing.Provider == conn.Provider {
				return ActiveExists(conn.TenantRef, conn.Provider)
			}
		}
	}

	s.conns[conn.ID] = conn.Clone()
	return nil
}

// Fetch returns a copy of the stored connection.
func (s *MemoryStore) Fetch(ctx context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[id]
	if !ok {
		return nil, NotFound(id)
	}
	return conn.Clone(), nil
}

// UpdateTokens replaces both ciphertexts and the expiry.
func (s *MemoryStore) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return NotFound(id)
	}
	conn.AccessToken = accessToken
	conn.RefreshToken = refreshToken
	conn.ExpiresAt = expiresAt.UTC()
	conn.UpdatedAt = s.now().UTC()
	return nil
}

// TryAcquireLock sets the refresh marker when it is absent or stale.
func (s *MemoryStore) TryAcquireLock(ctx context.Context, id string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return false, NotFound(id)
	}
	if conn.LockHeld(now, ttl) {
		return false, nil
	}
	locked := now.UTC()
	conn.RefreshLockedAt = &locked
	return true, nil
}

// ReleaseLock clears the refresh marker.
func (s *MemoryStore) ReleaseLock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[id]; ok {
		conn.RefreshLockedAt = nil
	}
	return nil
}

// Deactivate marks the connection unusable.
func (s *MemoryStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[id]
	if !ok {
		return NotFound(id)
	}
	conn.IsActive = false
	conn.UpdatedAt = s.now().UTC()
	return nil
}

// ListRefreshDue returns active ids expiring before the cutoff.
func (s *MemoryStore) ListRefreshDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*Connection, 0)
	for _, conn := range s.conns {
		if conn.IsActive && conn.ExpiresAt.Before(before) {
			due = append(due, conn)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ExpiresAt.Before(due[j].ExpiresAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, conn := range due {
		ids[i] = conn.ID
	}
	return ids, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
