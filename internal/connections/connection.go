// Package connections defines the persisted OAuth connection record and the
// store contract every backend implements.
package connections

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"oauth-refresher/internal/common/errors"
)

// ProviderXero is the only provider the refresher talks to today.
const ProviderXero = "xero"

// Connection is one tenant's authorization with an accounting provider.
//
// AccessToken and RefreshToken hold ciphertext produced by crypto.TokenCipher.
// Plaintext tokens never live on this struct.
type Connection struct {
	ID                 string     `json:"id"`
	TenantRef          string     `json:"tenant_ref"`
	Provider           string     `json:"provider"`
	ProviderTenantID   string     `json:"provider_tenant_id,omitempty"`
	ProviderTenantName string     `json:"provider_tenant_name,omitempty"`
	AccessToken        string     `json:"-"`
	RefreshToken       string     `json:"-"`
	ExpiresAt          time.Time  `json:"expires_at"`
	IsActive           bool       `json:"is_active"`
	RefreshLockedAt    *time.Time `json:"refresh_locked_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate a store's state.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	if c.RefreshLockedAt != nil {
		locked := *c.RefreshLockedAt
		out.RefreshLockedAt = &locked
	}
	return &out
}

// LockHeld reports whether a refresh marker younger than ttl is present.
func (c *Connection) LockHeld(now time.Time, ttl time.Duration) bool {
	if c.RefreshLockedAt == nil {
		return false
	}
	return !c.RefreshLockedAt.Before(now.Add(-ttl))
}

// PrepareForCreate fills defaults and validates a new record. Stores call it
// from Create.
func (c *Connection) PrepareForCreate(now time.Time) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Provider == "" {
		c.Provider = ProviderXero
	}
	c.Provider = strings.ToLower(c.Provider)

	if strings.TrimSpace(c.TenantRef) == "" {
		return errors.ValidationError("tenant reference is required")
	}
	if c.AccessToken == "" || c.RefreshToken == "" {
		return errors.ValidationError("encrypted access and refresh tokens are required")
	}

	now = now.UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.ExpiresAt = c.ExpiresAt.UTC()
	return nil
}
