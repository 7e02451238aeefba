// Package platform is the OAuth2 client for the external accounting
// platform's identity service. It covers exactly the three outbound calls
// the connection lifecycle needs: the authorization-code exchange, the
// refresh-token exchange, and the connections endpoint used to resolve
// which organizations a token grants access to.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/prperemyshlev/ledger-connections/internal/config"
)

// Tenant is one organization entry from the platform's connections endpoint
type Tenant struct {
	// ConnectionID is the platform-side correlation id for this grant
	ConnectionID string `json:"id"`
	TenantID     string `json:"tenantId"`
	TenantName   string `json:"tenantName"`
	TenantType   string `json:"tenantType"`
}

// Client performs OAuth2 exchanges against the platform identity service
type Client struct {
	oauth          *oauth2.Config
	connectionsURL string
	timeout        time.Duration
	httpClient     *http.Client
}

// NewClient creates a platform client from configuration
func NewClient(cfg config.PlatformConfig) *Client {
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		connectionsURL: cfg.ConnectionsURL,
		timeout:        cfg.RequestTimeout.Duration,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout.Duration},
	}
}

// AuthCodeURL builds the authorize redirect URL carrying the signed state
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Scopes returns the scope set requested during authorization
func (c *Client) Scopes() string {
	return strings.Join(c.oauth.Scopes, " ")
}

// Exchange trades an authorization code for a token pair
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	return token, nil
}

// Refresh trades a refresh token for a new token pair. The platform rotates
// refresh tokens: the returned token carries the replacement (or the same
// token again when the platform chose not to rotate).
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	source := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return token, nil
}

// Connections lists the organizations the access token is authorized for.
// An empty list after consent means the user never selected an organization.
func (c *Client) Connections(ctx context.Context, accessToken string) ([]Tenant, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectionsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build connections request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call connections endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connections endpoint returned status %d", resp.StatusCode)
	}

	var tenants []Tenant
	if err := json.NewDecoder(resp.Body).Decode(&tenants); err != nil {
		return nil, fmt.Errorf("failed to decode connections response: %w", err)
	}

	return tenants, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// IsInvalidGrant reports whether a token-endpoint error means the grant is
// permanently unusable (revoked, rotated-and-superseded, or expired from
// inactivity) as opposed to a transient network or server failure.
func IsInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}

	if retrieveErr.Response != nil {
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}

	body := strings.ToLower(string(retrieveErr.Body))
	return strings.Contains(body, "invalid_grant") || strings.Contains(body, "invalid_client")
}

// DisconnectReason maps a terminal token-endpoint error to the machine
// reason recorded on the connection row
func DisconnectReason(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			if strings.Contains(strings.ToLower(retrieveErr.ErrorDescription), "expired") {
				return "refresh_token_expired"
			}
			return retrieveErr.ErrorCode
		}
		body := strings.ToLower(string(retrieveErr.Body))
		if strings.Contains(body, "expired") {
			return "refresh_token_expired"
		}
	}
	return "invalid_grant"
}
