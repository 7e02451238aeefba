package domain

import "time"

// ConnectionStatus is the lifecycle state of a platform connection
type ConnectionStatus string

const (
	// StatusConnected means the stored refresh token is believed usable
	StatusConnected ConnectionStatus = "CONNECTED"

	// StatusDisconnected is terminal: the user must redo the authorization flow
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
)

// Disconnect reasons recorded when a connection transitions to DISCONNECTED
const (
	ReasonInvalidGrant        = "invalid_grant"
	ReasonRefreshTokenExpired = "refresh_token_expired"
	ReasonUserRevoked         = "user_revoked"
)

// Connection binds one local user to one external-platform organization.
// AccessToken and RefreshToken hold ciphertext; plaintext exists only in
// memory inside the connection service and is never logged.
type Connection struct {
	ID                   string           `json:"id" db:"id"`
	UserID               string           `json:"user_id" db:"user_id"`
	TenantID             string           `json:"tenant_id" db:"tenant_id"`
	TenantName           string           `json:"tenant_name" db:"tenant_name"`
	AccessToken          string           `json:"-" db:"access_token"`
	RefreshToken         string           `json:"-" db:"refresh_token"`
	ExpiresAt            time.Time        `json:"expires_at" db:"expires_at"`
	Scopes               string           `json:"scopes" db:"scopes"`
	Status               ConnectionStatus `json:"status" db:"status"`
	DisconnectReason     *string          `json:"disconnect_reason" db:"disconnect_reason"`
	ExternalConnectionID *string          `json:"external_connection_id" db:"external_connection_id"`
	LastRefreshedAt      *time.Time       `json:"last_refreshed_at" db:"last_refreshed_at"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}

// IsConnected reports whether the connection may be used to satisfy API calls
func (c *Connection) IsConnected() bool {
	return c.Status == StatusConnected
}

// FreshFor reports whether the access token is still valid at least margin
// into the future. ExpiresAt is a lower bound only: platform-side revocation
// is discovered on use.
func (c *Connection) FreshFor(margin time.Duration) bool {
	return time.Until(c.ExpiresAt) > margin
}

// ConnectionSummary is the token-free projection returned to display layers
type ConnectionSummary struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
	Connected  bool   `json:"connected"`
	Message    string `json:"message"`
}
