package service

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/prperemyshlev/ledger-connections/internal/domain"
	"github.com/prperemyshlev/ledger-connections/internal/platform"
)

// ConnectionService is the single entry point other subsystems use to reach
// the external platform. Collaborators never see token material except as
// the plaintext access token returned by GetUsableToken.
type ConnectionService interface {
	// BuildAuthorizeURL constructs the platform authorize redirect for a user
	BuildAuthorizeURL(userID string) (string, error)

	// HandleCallback validates state, exchanges the code and upserts one
	// CONNECTED row per organization the user authorized
	HandleCallback(ctx context.Context, code, state string) ([]*domain.Connection, error)

	// GetUsableToken returns a fresh access token for the pair, refreshing
	// transparently when the stored one is stale
	GetUsableToken(ctx context.Context, userID, tenantID string) (string, error)

	// ListConnections returns token-free status projections for display
	ListConnections(ctx context.Context, userID string) ([]domain.ConnectionSummary, error)

	// ValidateConnections probes every connection with a live refresh check
	// and reports the outcome per tenant
	ValidateConnections(ctx context.Context, userID string) ([]domain.ConnectionSummary, error)

	// Disconnect is the explicit user-triggered teardown. Local only: the
	// platform is not contacted.
	Disconnect(ctx context.Context, userID, tenantID, reason string) error
}

// PlatformClient is the outbound surface of the accounting platform used by
// the connection service. *platform.Client is the production implementation.
type PlatformClient interface {
	AuthCodeURL(state string) string
	Scopes() string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Connections(ctx context.Context, accessToken string) ([]platform.Tenant, error)
}
