package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prperemyshlev/ledger-connections/internal/crypto"
	"github.com/prperemyshlev/ledger-connections/internal/domain"
	"github.com/prperemyshlev/ledger-connections/internal/repository"
)

// connectionService implements ConnectionService interface
type connectionService struct {
	repo     repository.ConnectionRepository
	cipher   *crypto.TokenCipher
	platform PlatformClient
	state    *StateManager
	replay   ReplayGuard
	refresh  *RefreshEngine
	stateTTL time.Duration
	logger   *zap.Logger
}

// NewConnectionService creates the connection lifecycle manager
func NewConnectionService(
	repo repository.ConnectionRepository,
	cipher *crypto.TokenCipher,
	platformClient PlatformClient,
	state *StateManager,
	replay ReplayGuard,
	refresh *RefreshEngine,
	stateTTL time.Duration,
	logger *zap.Logger,
) ConnectionService {
	return &connectionService{
		repo:     repo,
		cipher:   cipher,
		platform: platformClient,
		state:    state,
		replay:   replay,
		refresh:  refresh,
		stateTTL: stateTTL,
		logger:   logger,
	}
}

// BuildAuthorizeURL constructs the platform authorize redirect for a user
func (s *connectionService) BuildAuthorizeURL(userID string) (string, error) {
	state, err := s.state.Sign(userID)
	if err != nil {
		return "", fmt.Errorf("failed to build state: %w", err)
	}

	return s.platform.AuthCodeURL(state), nil
}

// HandleCallback validates the callback, exchanges the code and stores one
// connection per organization the user authorized. Nothing is written
// before the state check passes.
func (s *connectionService) HandleCallback(ctx context.Context, code, state string) ([]*domain.Connection, error) {
	userID, jti, err := s.state.Verify(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorization, err)
	}

	fresh, err := s.replay.Consume(ctx, jti, s.stateTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to check state replay: %w", err)
	}
	if !fresh {
		return nil, fmt.Errorf("%w: state already used", ErrAuthorization)
	}

	token, err := s.platform.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorization, err)
	}

	tenants, err := s.platform.Connections(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenants: %w", err)
	}
	if len(tenants) == 0 {
		return nil, ErrTenantResolution
	}

	encryptedAccess, err := s.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encryptedRefresh, err := s.cipher.Encrypt(token.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	connections := make([]*domain.Connection, 0, len(tenants))
	for _, tenant := range tenants {
		externalID := tenant.ConnectionID
		conn := &domain.Connection{
			UserID:               userID,
			TenantID:             tenant.TenantID,
			TenantName:           tenant.TenantName,
			AccessToken:          encryptedAccess,
			RefreshToken:         encryptedRefresh,
			ExpiresAt:            token.Expiry,
			Scopes:               s.platform.Scopes(),
			Status:               domain.StatusConnected,
			ExternalConnectionID: &externalID,
		}

		if err := s.repo.Upsert(ctx, conn); err != nil {
			return nil, fmt.Errorf("failed to store connection: %w", err)
		}

		s.logger.Info("Connection established",
			zap.String("connection_id", conn.ID),
			zap.String("tenant_id", conn.TenantID),
			zap.String("tenant_name", conn.TenantName),
		)

		connections = append(connections, conn)
	}

	return connections, nil
}

// GetUsableToken looks up the connection and delegates freshness to the
// refresh engine, surfacing its errors unchanged
func (s *connectionService) GetUsableToken(ctx context.Context, userID, tenantID string) (string, error) {
	conn, err := s.repo.GetByUserAndTenant(ctx, userID, tenantID)
	if err != nil {
		return "", err
	}

	accessToken, _, err := s.refresh.EnsureFresh(ctx, conn)
	if err != nil {
		return "", err
	}

	return accessToken, nil
}

// ListConnections returns status projections derived from stored columns
// only; no token is decrypted
func (s *connectionService) ListConnections(ctx context.Context, userID string) ([]domain.ConnectionSummary, error) {
	connections, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.ConnectionSummary, 0, len(connections))
	for _, conn := range connections {
		summaries = append(summaries, summarize(conn))
	}

	return summaries, nil
}

// ValidateConnections additionally probes each CONNECTED row with a live
// EnsureFresh and reports per-tenant outcomes
func (s *connectionService) ValidateConnections(ctx context.Context, userID string) ([]domain.ConnectionSummary, error) {
	connections, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.ConnectionSummary, 0, len(connections))
	for _, conn := range connections {
		summary := summarize(conn)

		if conn.IsConnected() {
			if _, _, err := s.refresh.EnsureFresh(ctx, conn); err != nil {
				summary.Connected = false
				summary.Message = validationMessage(err)
			} else {
				summary.Message = "token validated"
			}
		}

		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// Disconnect performs local revocation without contacting the platform
func (s *connectionService) Disconnect(ctx context.Context, userID, tenantID, reason string) error {
	if reason == "" {
		reason = domain.ReasonUserRevoked
	}

	if err := s.repo.MarkDisconnected(ctx, userID, tenantID, reason); err != nil {
		return err
	}

	s.logger.Info("Connection disconnected",
		zap.String("tenant_id", tenantID),
		zap.String("reason", reason),
	)

	return nil
}

func summarize(conn *domain.Connection) domain.ConnectionSummary {
	summary := domain.ConnectionSummary{
		TenantID:   conn.TenantID,
		TenantName: conn.TenantName,
		Connected:  conn.IsConnected(),
		Message:    "connected",
	}

	if !conn.IsConnected() {
		summary.Message = "reconnect required"
		if conn.DisconnectReason != nil && *conn.DisconnectReason != "" {
			summary.Message = fmt.Sprintf("reconnect required: %s", *conn.DisconnectReason)
		}
	}

	return summary
}

func validationMessage(err error) string {
	var disconnected *ConnectionDisconnectedError
	if errors.As(err, &disconnected) {
		return fmt.Sprintf("reconnect required: %s", disconnected.Reason)
	}

	var transient *TransientRefreshError
	if errors.As(err, &transient) {
		return "validation temporarily unavailable"
	}

	return "validation failed"
}
