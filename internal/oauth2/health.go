package oauth2

import (
	"fmt"
	"math"
	"time"

	"oauth-refresher/internal/connections"
)

// ExpiringSoonMinutes is the remaining lifetime at or below which a warning
// is raised.
const ExpiringSoonMinutes = 5

// HealthStatus is a read-only diagnostic of one connection.
type HealthStatus struct {
	ConnectionID       string    `json:"connection_id"`
	TenantRef          string    `json:"tenant_ref"`
	IsActive           bool      `json:"is_active"`
	IsHealthy          bool      `json:"is_healthy"`
	MinutesUntilExpiry int       `json:"minutes_until_expiry"`
	ExpiresAt          time.Time `json:"expires_at"`
	Warnings           []string  `json:"warnings"`
}

// CheckConnectionHealth reports on conn as of now.
func CheckConnectionHealth(conn *connections.Connection) HealthStatus {
	return CheckConnectionHealthAt(conn, time.Now())
}

// CheckConnectionHealthAt reports on conn as of the given instant. Minutes
// are rounded down, so a token with 30 seconds left reports 0 and counts
// as expired.
func CheckConnectionHealthAt(conn *connections.Connection, now time.Time) HealthStatus {
	minutes := int(math.Floor(conn.ExpiresAt.Sub(now).Minutes()))

	status := HealthStatus{
		ConnectionID:       conn.ID,
		TenantRef:          conn.TenantRef,
		IsActive:           conn.IsActive,
		MinutesUntilExpiry: minutes,
		ExpiresAt:          conn.ExpiresAt,
		Warnings:           []string{},
	}

	if !conn.IsActive {
		status.Warnings = append(status.Warnings, "connection is inactive; the tenant must reconnect")
	}
	switch {
	case minutes <= 0:
		status.Warnings = append(status.Warnings, "access token has expired")
	case minutes <= ExpiringSoonMinutes:
		status.Warnings = append(status.Warnings, fmt.Sprintf("access token expires in %d minutes", minutes))
	}

	status.IsHealthy = conn.IsActive && minutes > 0
	return status
}
