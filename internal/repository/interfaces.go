package repository

import (
	"context"
	"time"

	"github.com/prperemyshlev/ledger-connections/internal/domain"
)

// ConnectionRepository defines persistence for platform connections.
// All token columns carry ciphertext; the repository never sees plaintext.
type ConnectionRepository interface {
	// Upsert inserts a connection or, on a (user_id, tenant_id) conflict,
	// replaces the stored tokens and revives the row to CONNECTED.
	Upsert(ctx context.Context, conn *domain.Connection) error

	GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*domain.Connection, error)
	ListByUserID(ctx context.Context, userID string) ([]*domain.Connection, error)

	// UpdateTokens rotates the stored token pair in a single statement,
	// guarded by status = CONNECTED. Returns ErrNotConnected if the row was
	// disconnected concurrently.
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error

	// MarkDisconnected is the terminal state transition. Idempotent: a row
	// already disconnected keeps its original reason.
	MarkDisconnected(ctx context.Context, userID, tenantID, reason string) error
}
