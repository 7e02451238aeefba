package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/prperemyshlev/ledger-connections/internal/crypto"
	"github.com/prperemyshlev/ledger-connections/internal/domain"
	"github.com/prperemyshlev/ledger-connections/internal/platform"
	"github.com/prperemyshlev/ledger-connections/internal/repository"
)

// freshToken is what one refresh flight produces and every coalesced caller
// receives
type freshToken struct {
	accessToken string
	connection  *domain.Connection
}

// RefreshEngine implements lazy, on-demand token refresh. There is no
// background scheduler: staleness is bounded by one refresh round trip per
// expired token per burst of concurrent callers.
type RefreshEngine struct {
	repo     repository.ConnectionRepository
	cipher   *crypto.TokenCipher
	platform PlatformClient
	margin   time.Duration
	logger   *zap.Logger

	// group serializes refresh per (user, tenant) key. The platform
	// invalidates a refresh token on first use, so two racing callers must
	// share one flight instead of both submitting the same token.
	group singleflight.Group

	refreshCounter metric.Int64Counter
}

// NewRefreshEngine creates a refresh engine. margin is how far before
// expires_at a token is already treated as stale.
func NewRefreshEngine(
	repo repository.ConnectionRepository,
	cipher *crypto.TokenCipher,
	platformClient PlatformClient,
	margin time.Duration,
	logger *zap.Logger,
) *RefreshEngine {
	meter := otel.Meter("connections-service")
	refreshCounter, err := meter.Int64Counter("connection_refresh_total",
		metric.WithDescription("Refresh-endpoint exchanges by outcome"))
	if err != nil {
		logger.Warn("Failed to create refresh counter", zap.Error(err))
	}

	return &RefreshEngine{
		repo:           repo,
		cipher:         cipher,
		platform:       platformClient,
		margin:         margin,
		logger:         logger,
		refreshCounter: refreshCounter,
	}
}

// EnsureFresh returns a usable plaintext access token for the connection,
// refreshing it first when stale. The returned connection reflects the
// stored row after any rotation.
func (e *RefreshEngine) EnsureFresh(ctx context.Context, conn *domain.Connection) (string, *domain.Connection, error) {
	if !conn.IsConnected() {
		return "", nil, e.disconnectedErr(conn)
	}

	// Fast path: token still valid, no network call, no mutation
	if conn.FreshFor(e.margin) {
		accessToken, err := e.cipher.Decrypt(conn.AccessToken)
		if err != nil {
			return "", nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		return accessToken, conn, nil
	}

	key := conn.UserID + "|" + conn.TenantID
	result, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.refresh(ctx, conn.UserID, conn.TenantID)
	})
	if err != nil {
		return "", nil, err
	}

	fresh := result.(*freshToken)
	return fresh.accessToken, fresh.connection, nil
}

// refresh runs inside a singleflight flight. It re-reads the row first:
// a caller that waited on another flight finds rotated tokens already
// persisted and returns them without a second exchange.
func (e *RefreshEngine) refresh(ctx context.Context, userID, tenantID string) (*freshToken, error) {
	conn, err := e.repo.GetByUserAndTenant(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	if !conn.IsConnected() {
		return nil, e.disconnectedErr(conn)
	}

	if conn.FreshFor(e.margin) {
		accessToken, err := e.cipher.Decrypt(conn.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		return &freshToken{accessToken: accessToken, connection: conn}, nil
	}

	refreshToken, err := e.cipher.Decrypt(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token, err := e.platform.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, e.handleRefreshFailure(ctx, conn, err)
	}

	encryptedAccess, err := e.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	// The platform may rotate the refresh token on every exchange; keep the
	// prior one only when no replacement was issued.
	rotatedRefresh := token.RefreshToken
	if rotatedRefresh == "" {
		rotatedRefresh = refreshToken
	}
	encryptedRefresh, err := e.cipher.Encrypt(rotatedRefresh)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := time.Now()
	if err := e.repo.UpdateTokens(ctx, conn.ID, encryptedAccess, encryptedRefresh, token.Expiry, now); err != nil {
		return nil, fmt.Errorf("failed to persist rotated tokens: %w", err)
	}

	conn.AccessToken = encryptedAccess
	conn.RefreshToken = encryptedRefresh
	conn.ExpiresAt = token.Expiry
	conn.LastRefreshedAt = &now
	conn.UpdatedAt = now

	e.count(ctx, "success")
	e.logger.Info("Rotated connection tokens",
		zap.String("connection_id", conn.ID),
		zap.String("tenant_id", conn.TenantID),
		zap.Time("expires_at", conn.ExpiresAt),
	)

	return &freshToken{accessToken: token.AccessToken, connection: conn}, nil
}

// handleRefreshFailure decides between the terminal and the transient path.
// Terminal failures commit DISCONNECTED; transient ones leave the stored row
// untouched so a later attempt can succeed.
func (e *RefreshEngine) handleRefreshFailure(ctx context.Context, conn *domain.Connection, refreshErr error) error {
	if platform.IsInvalidGrant(refreshErr) {
		reason := platform.DisconnectReason(refreshErr)

		if err := e.repo.MarkDisconnected(ctx, conn.UserID, conn.TenantID, reason); err != nil {
			e.logger.Error("Failed to mark connection disconnected",
				zap.String("connection_id", conn.ID),
				zap.String("tenant_id", conn.TenantID),
				zap.Error(err),
			)
		}

		e.count(ctx, "disconnected")
		e.logger.Warn("Connection grant permanently invalid",
			zap.String("connection_id", conn.ID),
			zap.String("tenant_id", conn.TenantID),
			zap.String("reason", reason),
		)

		return &ConnectionDisconnectedError{Reason: reason}
	}

	e.count(ctx, "transient_failure")
	e.logger.Warn("Transient refresh failure",
		zap.String("connection_id", conn.ID),
		zap.String("tenant_id", conn.TenantID),
		zap.Error(refreshErr),
	)

	return &TransientRefreshError{Err: refreshErr}
}

func (e *RefreshEngine) disconnectedErr(conn *domain.Connection) error {
	reason := domain.ReasonUserRevoked
	if conn.DisconnectReason != nil && *conn.DisconnectReason != "" {
		reason = *conn.DisconnectReason
	}
	return &ConnectionDisconnectedError{Reason: reason}
}

func (e *RefreshEngine) count(ctx context.Context, outcome string) {
	if e.refreshCounter == nil {
		return
	}
	e.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
