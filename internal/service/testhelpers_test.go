package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/prperemyshlev/ledger-connections/internal/domain"
	"github.com/prperemyshlev/ledger-connections/internal/platform"
	"github.com/prperemyshlev/ledger-connections/internal/repository"
)

// memConnectionRepo is an in-memory ConnectionRepository for unit tests
type memConnectionRepo struct {
	mu          sync.Mutex
	connections map[string]*domain.Connection
	upserts     int
}

func newMemConnectionRepo() *memConnectionRepo {
	return &memConnectionRepo{connections: make(map[string]*domain.Connection)}
}

func repoKey(userID, tenantID string) string {
	return userID + "|" + tenantID
}

func (r *memConnectionRepo) Upsert(_ context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upserts++
	if conn.ID == "" {
		conn.ID = fmt.Sprintf("conn-%d", r.upserts)
	}
	if conn.Status == "" {
		conn.Status = domain.StatusConnected
	}
	conn.DisconnectReason = nil

	now := time.Now()
	if existing, ok := r.connections[repoKey(conn.UserID, conn.TenantID)]; ok {
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
	} else {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	stored := *conn
	r.connections[repoKey(conn.UserID, conn.TenantID)] = &stored
	return nil
}

func (r *memConnectionRepo) GetByUserAndTenant(_ context.Context, userID, tenantID string) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[repoKey(userID, tenantID)]
	if !ok {
		return nil, fmt.Errorf("connection for user and tenant not found: %w", repository.ErrNotFound)
	}

	copied := *conn
	return &copied, nil
}

func (r *memConnectionRepo) ListByUserID(_ context.Context, userID string) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.Connection
	for _, conn := range r.connections {
		if conn.UserID == userID {
			copied := *conn
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (r *memConnectionRepo) UpdateTokens(_ context.Context, id, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.connections {
		if conn.ID == id {
			if conn.Status != domain.StatusConnected {
				return repository.ErrNotConnected
			}
			conn.AccessToken = accessToken
			conn.RefreshToken = refreshToken
			conn.ExpiresAt = expiresAt
			conn.LastRefreshedAt = &refreshedAt
			conn.UpdatedAt = refreshedAt
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memConnectionRepo) MarkDisconnected(_ context.Context, userID, tenantID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[repoKey(userID, tenantID)]
	if !ok {
		return fmt.Errorf("connection for user and tenant not found: %w", repository.ErrNotFound)
	}
	if conn.Status == domain.StatusDisconnected {
		return nil
	}
	conn.Status = domain.StatusDisconnected
	conn.DisconnectReason = &reason
	conn.UpdatedAt = time.Now()
	return nil
}

func (r *memConnectionRepo) get(userID, tenantID string) *domain.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.connections[repoKey(userID, tenantID)]
	if conn == nil {
		return nil
	}
	copied := *conn
	return &copied
}

// fakePlatform is a scriptable PlatformClient for unit tests
type fakePlatform struct {
	mu sync.Mutex

	exchangeCalls    int
	refreshCalls     int
	connectionsCalls int

	refreshDelay time.Duration

	exchangeToken *oauth2.Token
	exchangeErr   error
	refreshedAT   string
	refreshedRT   string
	tokenLifetime time.Duration
	refreshErr    error
	tenants       []platform.Tenant
	connectionsErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		refreshedAT:   "refreshed-access-token",
		refreshedRT:   "rotated-refresh-token",
		tokenLifetime: 30 * time.Minute,
	}
}

func (p *fakePlatform) AuthCodeURL(state string) string {
	return "https://platform.example.com/authorize?state=" + state
}

func (p *fakePlatform) Scopes() string {
	return "offline_access accounting.transactions"
}

func (p *fakePlatform) Exchange(_ context.Context, _ string) (*oauth2.Token, error) {
	p.mu.Lock()
	p.exchangeCalls++
	p.mu.Unlock()

	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	if p.exchangeToken != nil {
		return p.exchangeToken, nil
	}
	return &oauth2.Token{
		AccessToken:  "exchanged-access-token",
		RefreshToken: "exchanged-refresh-token",
		Expiry:       time.Now().Add(p.tokenLifetime),
	}, nil
}

func (p *fakePlatform) Refresh(_ context.Context, _ string) (*oauth2.Token, error) {
	p.mu.Lock()
	p.refreshCalls++
	delay := p.refreshDelay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &oauth2.Token{
		AccessToken:  p.refreshedAT,
		RefreshToken: p.refreshedRT,
		Expiry:       time.Now().Add(p.tokenLifetime),
	}, nil
}

func (p *fakePlatform) Connections(_ context.Context, _ string) ([]platform.Tenant, error) {
	p.mu.Lock()
	p.connectionsCalls++
	p.mu.Unlock()

	if p.connectionsErr != nil {
		return nil, p.connectionsErr
	}
	return p.tenants, nil
}

func (p *fakePlatform) calls() (exchange, refresh, connections int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls, p.refreshCalls, p.connectionsCalls
}

// memReplayGuard is an in-memory ReplayGuard for unit tests
type memReplayGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemReplayGuard() *memReplayGuard {
	return &memReplayGuard{seen: make(map[string]bool)}
}

func (g *memReplayGuard) Consume(_ context.Context, jti string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seen[jti] {
		return false, nil
	}
	g.seen[jti] = true
	return true, nil
}
