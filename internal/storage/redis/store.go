// Package redis implements connections.Repository on Redis. Each connection
// is a hash; a sorted set indexes active connections by expiry and a plain
// key enforces one active connection per tenant and provider. Every
// multi-key change runs as a Lua script so it is atomic on the server.
package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/connections"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "oauth:"

// Store is a Redis-backed connection repository.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a store on an existing client. The caller owns the
// client unless Close is called.
func NewStore(rdb goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Store) connKey(id string) string {
	return s.prefix + "connection:" + id
}

func (s *Store) dueKey() string {
	return s.prefix + "connections:due"
}

func (s *Store) activeKey(tenantRef, provider string) string {
	return s.prefix + "connection:active:" + tenantRef + ":" + provider
}

// KEYS: conn, due, active. ARGV: id, is_active, expires_at, then field/value pairs.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
local active = ARGV[2] == '1'
if active and redis.call('EXISTS', KEYS[3]) == 1 then
	return -2
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
if active then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	redis.call('SET', KEYS[3], ARGV[1])
end
return 1
`)

// KEYS: conn, due. ARGV: id, access, refresh, expires_at, updated_at.
var updateTokensScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'access_token', ARGV[2], 'refresh_token', ARGV[3], 'expires_at', ARGV[4], 'updated_at', ARGV[5])
if redis.call('HGET', KEYS[1], 'is_active') == '1' then
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
end
return 1
`)

// KEYS: conn. ARGV: now, cutoff.
var acquireLockScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local locked = redis.call('HGET', KEYS[1], 'refresh_locked_at')
if locked and locked ~= '' and tonumber(locked) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'refresh_locked_at', ARGV[1])
return 1
`)

// KEYS: conn, due. ARGV: id, updated_at, key prefix.
var deactivateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'is_active', '0', 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
local fields = redis.call('HMGET', KEYS[1], 'tenant_ref', 'provider')
local activeKey = ARGV[3] .. 'connection:active:' .. fields[1] .. ':' .. fields[2]
if redis.call('GET', activeKey) == ARGV[1] then
	redis.call('DEL', activeKey)
end
return 1
`)

func millis(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixMilli(), 10)
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Create inserts a new connection.
func (s *Store) Create(ctx context.Context, conn *connections.Connection) error {
	if err := conn.PrepareForCreate(s.now()); err != nil {
		return err
	}

	fields := []interface{}{
		"id", conn.ID,
		"tenant_ref", conn.TenantRef,
		"provider", conn.Provider,
		"provider_tenant_id", conn.ProviderTenantID,
		"provider_tenant_name", conn.ProviderTenantName,
		"access_token", conn.AccessToken,
		"refresh_token", conn.RefreshToken,
		"expires_at", millis(conn.ExpiresAt),
		"is_active", boolFlag(conn.IsActive),
		"created_at", millis(conn.CreatedAt),
		"updated_at", millis(conn.UpdatedAt),
	}
	if conn.RefreshLockedAt != nil {
		fields = append(fields, "refresh_locked_at", millis(*conn.RefreshLockedAt))
	}

	args := append([]interface{}{conn.ID, boolFlag(conn.IsActive), millis(conn.ExpiresAt)}, fields...)
	keys := []string{s.connKey(conn.ID), s.dueKey(), s.activeKey(conn.TenantRef, conn.Provider)}

	result, err := createScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return errors.InternalError("failed to insert connection", err)
	}
	switch result {
	case -1:
		return errors.ValidationError("connection id already exists").WithContext("connection_id", conn.ID)
	case -2:
		return connections.ActiveExists(conn.TenantRef, conn.Provider)
	}
	return nil
}

// Fetch loads one connection by id.
func (s *Store) Fetch(ctx context.Context, id string) (*connections.Connection, error) {
	values, err := s.rdb.HGetAll(ctx, s.connKey(id)).Result()
	if err != nil {
		return nil, errors.InternalError("failed to fetch connection", err)
	}
	if len(values) == 0 {
		return nil, connections.NotFound(id)
	}

	conn := &connections.Connection{
		ID:                 values["id"],
		TenantRef:          values["tenant_ref"],
		Provider:           values["provider"],
		ProviderTenantID:   values["provider_tenant_id"],
		ProviderTenantName: values["provider_tenant_name"],
		AccessToken:        values["access_token"],
		RefreshToken:       values["refresh_token"],
		IsActive:           values["is_active"] == "1",
	}

	timestamps := []struct {
		field string
		dest  *time.Time
	}{
		{"expires_at", &conn.ExpiresAt},
		{"created_at", &conn.CreatedAt},
		{"updated_at", &conn.UpdatedAt},
	}
	for _, ts := range timestamps {
		parsed, err := parseMillis(values[ts.field])
		if err != nil {
			return nil, errors.InternalError("corrupt connection timestamp", err).
				WithContext("connection_id", id).
				WithContext("field", ts.field)
		}
		*ts.dest = parsed
	}

	if raw := values["refresh_locked_at"]; raw != "" {
		locked, err := parseMillis(raw)
		if err != nil {
			return nil, errors.InternalError("corrupt refresh lock timestamp", err).WithContext("connection_id", id)
		}
		conn.RefreshLockedAt = &locked
	}

	return conn, nil
}

// UpdateTokens replaces both ciphertexts and the expiry.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	keys := []string{s.connKey(id), s.dueKey()}
	updated, err := updateTokensScript.Run(ctx, s.rdb, keys, id, accessToken, refreshToken, millis(expiresAt), millis(s.now())).Int()
	if err != nil {
		return errors.InternalError("failed to update tokens", err)
	}
	if updated == 0 {
		return connections.NotFound(id)
	}
	return nil
}

// TryAcquireLock sets refresh_locked_at when it is absent or older than ttl.
func (s *Store) TryAcquireLock(ctx context.Context, id string, now time.Time, ttl time.Duration) (bool, error) {
	result, err := acquireLockScript.Run(ctx, s.rdb, []string{s.connKey(id)}, millis(now), millis(now.Add(-ttl))).Int()
	if err != nil {
		return false, errors.InternalError("failed to acquire refresh lock", err)
	}
	switch result {
	case -1:
		return false, connections.NotFound(id)
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// ReleaseLock clears refresh_locked_at. HDEL on a missing key is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, id string) error {
	if err := s.rdb.HDel(ctx, s.connKey(id), "refresh_locked_at").Err(); err != nil {
		return errors.InternalError("failed to release refresh lock", err)
	}
	return nil
}

// Deactivate marks the connection unusable and drops it from the indexes.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	keys := []string{s.connKey(id), s.dueKey()}
	updated, err := deactivateScript.Run(ctx, s.rdb, keys, id, millis(s.now()), s.prefix).Int()
	if err != nil {
		return errors.InternalError("failed to deactivate connection", err)
	}
	if updated == 0 {
		return connections.NotFound(id)
	}
	return nil
}

// ListRefreshDue returns active ids expiring before the cutoff, soonest first.
func (s *Store) ListRefreshDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	opt := &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + millis(before),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := s.rdb.ZRangeByScore(ctx, s.dueKey(), opt).Result()
	if err != nil {
		return nil, errors.InternalError("failed to list due connections", err)
	}
	return ids, nil
}

// Ping verifies Redis responds.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
