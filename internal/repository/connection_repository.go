package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prperemyshlev/ledger-connections/internal/domain"
	"github.com/prperemyshlev/ledger-connections/pkg/database"
)

// connectionRepository implements ConnectionRepository interface
type connectionRepository struct {
	db *database.Postgres
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *database.Postgres) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `
	id, user_id, tenant_id, tenant_name, access_token, refresh_token,
	expires_at, scopes, status, disconnect_reason, external_connection_id,
	last_refreshed_at, created_at, updated_at
`

// Upsert inserts a connection, replacing tokens on (user_id, tenant_id)
// conflict. Re-authorization always yields a CONNECTED row with a cleared
// disconnect reason, regardless of the prior state.
func (r *connectionRepository) Upsert(ctx context.Context, conn *domain.Connection) error {
	query := `
		INSERT INTO connections (
			id, user_id, tenant_id, tenant_name, access_token, refresh_token,
			expires_at, scopes, status, external_connection_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET
			tenant_name            = EXCLUDED.tenant_name,
			access_token           = EXCLUDED.access_token,
			refresh_token          = EXCLUDED.refresh_token,
			expires_at             = EXCLUDED.expires_at,
			scopes                 = EXCLUDED.scopes,
			status                 = EXCLUDED.status,
			disconnect_reason      = NULL,
			external_connection_id = EXCLUDED.external_connection_id,
			updated_at             = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.Status == "" {
		conn.Status = domain.StatusConnected
	}

	now := time.Now()
	conn.UpdatedAt = now

	err := r.db.DB.QueryRowContext(ctx, query,
		conn.ID,
		conn.UserID,
		conn.TenantID,
		conn.TenantName,
		conn.AccessToken,
		conn.RefreshToken,
		conn.ExpiresAt,
		conn.Scopes,
		conn.Status,
		conn.ExternalConnectionID,
		now,
	).Scan(&conn.ID, &conn.CreatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" { // unique_violation
				return fmt.Errorf("connection already exists: %w", ErrDuplicateConnection)
			}
		}
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	conn.DisconnectReason = nil

	return nil
}

// GetByUserAndTenant retrieves the connection for one (user, tenant) pair
func (r *connectionRepository) GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1 AND tenant_id = $2
	`

	conn, err := scanConnection(r.db.DB.QueryRowContext(ctx, query, userID, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connection for user and tenant not found: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

// ListByUserID retrieves all connections for a user
func (r *connectionRepository) ListByUserID(ctx context.Context, userID string) ([]*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections by user id: %w", err)
	}
	defer rows.Close()

	var connections []*domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return connections, nil
}

// UpdateTokens rotates the stored token pair. The status guard makes the
// read-refresh-write sequence atomic with respect to a concurrent
// disconnect: a disconnected row never receives rotated tokens.
func (r *connectionRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error {
	query := `
		UPDATE connections
		SET access_token = $2,
		    refresh_token = $3,
		    expires_at = $4,
		    last_refreshed_at = $5,
		    updated_at = $5
		WHERE id = $1 AND status = $6
	`

	result, err := r.db.DB.ExecContext(ctx, query, id, accessToken, refreshToken, expiresAt, refreshedAt, domain.StatusConnected)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("connection with id %s not updatable: %w", id, ErrNotConnected)
	}

	return nil
}

// MarkDisconnected performs the terminal CONNECTED -> DISCONNECTED transition
func (r *connectionRepository) MarkDisconnected(ctx context.Context, userID, tenantID, reason string) error {
	query := `
		UPDATE connections
		SET status = $3,
		    disconnect_reason = $4,
		    updated_at = $5
		WHERE user_id = $1 AND tenant_id = $2 AND status = $6
	`

	result, err := r.db.DB.ExecContext(ctx, query,
		userID, tenantID, domain.StatusDisconnected, reason, time.Now(), domain.StatusConnected)
	if err != nil {
		return fmt.Errorf("failed to mark connection disconnected: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Either the row does not exist or it is already disconnected;
		// distinguish so callers can 404 on unknown tenants.
		if _, err := r.GetByUserAndTenant(ctx, userID, tenantID); err != nil {
			return err
		}
		return nil
	}

	return nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*domain.Connection, error) {
	conn := &domain.Connection{}
	var disconnectReason, externalConnectionID sql.NullString
	var lastRefreshedAt sql.NullTime

	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.TenantID,
		&conn.TenantName,
		&conn.AccessToken,
		&conn.RefreshToken,
		&conn.ExpiresAt,
		&conn.Scopes,
		&conn.Status,
		&disconnectReason,
		&externalConnectionID,
		&lastRefreshedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if disconnectReason.Valid {
		conn.DisconnectReason = &disconnectReason.String
	}
	if externalConnectionID.Valid {
		conn.ExternalConnectionID = &externalConnectionID.String
	}
	if lastRefreshedAt.Valid {
		conn.LastRefreshedAt = &lastRefreshedAt.Time
	}

	return conn, nil
}
