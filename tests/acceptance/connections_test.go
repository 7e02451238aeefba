package acceptance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prperemyshlev/ledger-connections/internal/dto"
)

// noRedirectClient returns the redirect response itself instead of following it
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}

func (s *Suite) sessionToken(userID string) string {
	token, err := s.Sessions.IssueSession(userID, time.Hour)
	s.Require().NoError(err, "failed to issue session token")
	return token
}

func (s *Suite) get(path, sessionToken string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, s.BaseURL+path, nil)
	s.Require().NoError(err)
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := noRedirectClient().Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *Suite) postJSON(path, sessionToken string, body interface{}) *http.Response {
	payload, err := json.Marshal(body)
	s.Require().NoError(err)

	req, err := http.NewRequest(http.MethodPost, s.BaseURL+path, bytes.NewReader(payload))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := noRedirectClient().Do(req)
	s.Require().NoError(err)
	return resp
}

// beginAuthorization walks the connect redirect and returns the state the
// service embedded in the authorize URL
func (s *Suite) beginAuthorization(userID string) string {
	resp := s.get("/api/v1/connections/connect", s.sessionToken(userID))
	defer resp.Body.Close()
	s.Require().Equal(http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	s.Require().NoError(err)
	state := location.Query().Get("state")
	s.Require().NotEmpty(state, "authorize URL carries no state")
	return state
}

// completeAuthorization runs the full connect+callback flow for userID
func (s *Suite) completeAuthorization(userID string) {
	state := s.beginAuthorization(userID)

	resp := s.get(fmt.Sprintf("/api/v1/connections/callback?code=fake-code&state=%s", url.QueryEscape(state)), "")
	defer resp.Body.Close()
	s.Require().Equal(http.StatusFound, resp.StatusCode)
	s.Require().Contains(resp.Header.Get("Location"), "/connected", "callback did not land on the success route")
}

func (s *Suite) fetchStatus(userID string, validate bool) dto.StatusResponse {
	path := "/api/v1/connections/status"
	if validate {
		path += "?validate=true"
	}

	resp := s.get(path, s.sessionToken(userID))
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var status dto.StatusResponse
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func (s *Suite) TestConnectRedirectsToAuthorize() {
	resp := s.get("/api/v1/connections/connect", s.sessionToken("user-1"))
	defer resp.Body.Close()

	s.Equal(http.StatusFound, resp.StatusCode)

	location := resp.Header.Get("Location")
	s.True(strings.HasPrefix(location, s.Identity.URL()+"/connect/authorize"),
		"Location = %q, want the platform authorize endpoint", location)

	parsed, err := url.Parse(location)
	s.Require().NoError(err)
	s.NotEmpty(parsed.Query().Get("state"))
	s.Equal("test-client-id", parsed.Query().Get("client_id"))
	s.Equal("code", parsed.Query().Get("response_type"))
}

func (s *Suite) TestConnectRequiresSession() {
	resp := s.get("/api/v1/connections/connect", "")
	defer resp.Body.Close()

	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *Suite) TestCallbackEstablishesConnection() {
	state := s.beginAuthorization("user-1")

	resp := s.get(fmt.Sprintf("/api/v1/connections/callback?code=fake-code&state=%s", url.QueryEscape(state)), "")
	defer resp.Body.Close()

	s.Equal(http.StatusFound, resp.StatusCode)
	location := resp.Header.Get("Location")
	s.True(strings.HasPrefix(location, frontendURL+"/connected"), "Location = %q", location)
	s.Contains(location, "tenantId=tenant-alpha")

	status := s.fetchStatus("user-1", false)
	s.Require().Equal(1, status.TotalConnections)
	s.Equal("tenant-alpha", status.Connections[0].TenantID)
	s.Equal("Alpha Ltd", status.Connections[0].TenantName)
	s.True(status.Connections[0].Connected)

	// Stored tokens must be ciphertext, not what the identity service issued
	var storedAccessToken string
	err := s.Postgres.DB.QueryRow(
		"SELECT access_token FROM connections WHERE user_id = $1 AND tenant_id = $2",
		"user-1", "tenant-alpha",
	).Scan(&storedAccessToken)
	s.Require().NoError(err)
	s.NotEqual("acceptance-access-token", storedAccessToken)
	s.NotEmpty(storedAccessToken)
}

func (s *Suite) TestCallbackRejectsForgedState() {
	resp := s.get("/api/v1/connections/callback?code=fake-code&state=not-a-signed-state", "")
	defer resp.Body.Close()

	s.Equal(http.StatusFound, resp.StatusCode)
	s.Contains(resp.Header.Get("Location"), "/connect-error?reason=authorization_failed")
	s.Equal(0, s.Identity.TokenCalls(), "forged state must not reach the token endpoint")
}

func (s *Suite) TestCallbackRejectsReplayedState() {
	state := s.beginAuthorization("user-1")
	callbackPath := fmt.Sprintf("/api/v1/connections/callback?code=fake-code&state=%s", url.QueryEscape(state))

	first := s.get(callbackPath, "")
	first.Body.Close()
	s.Require().Equal(http.StatusFound, first.StatusCode)
	s.Require().Contains(first.Header.Get("Location"), "/connected")

	second := s.get(callbackPath, "")
	defer second.Body.Close()

	s.Equal(http.StatusFound, second.StatusCode)
	s.Contains(second.Header.Get("Location"), "/connect-error?reason=authorization_failed")
}

func (s *Suite) TestCallbackWithoutAuthorizedTenant() {
	s.Identity.SetTenants(nil)

	state := s.beginAuthorization("user-1")
	resp := s.get(fmt.Sprintf("/api/v1/connections/callback?code=fake-code&state=%s", url.QueryEscape(state)), "")
	defer resp.Body.Close()

	s.Equal(http.StatusFound, resp.StatusCode)
	s.Contains(resp.Header.Get("Location"), "/connect-error?reason=tenant_missing")

	status := s.fetchStatus("user-1", false)
	s.Equal(0, status.TotalConnections)
}

func (s *Suite) TestCallbackStoresEveryAuthorizedTenant() {
	s.Identity.SetTenants([]identityTenant{
		{ID: "ext-1", TenantID: "tenant-alpha", TenantName: "Alpha Ltd", TenantType: "ORGANISATION"},
		{ID: "ext-2", TenantID: "tenant-beta", TenantName: "Beta Ltd", TenantType: "ORGANISATION"},
	})

	s.completeAuthorization("user-1")

	status := s.fetchStatus("user-1", false)
	s.Require().Equal(2, status.TotalConnections)

	tenantIDs := map[string]bool{}
	for _, conn := range status.Connections {
		tenantIDs[conn.TenantID] = true
		s.True(conn.Connected)
	}
	s.True(tenantIDs["tenant-alpha"])
	s.True(tenantIDs["tenant-beta"])
}

func (s *Suite) TestStatusIsEmptyForNewUser() {
	status := s.fetchStatus("brand-new-user", false)
	s.Equal(0, status.TotalConnections)
	s.Empty(status.Connections)
}

func (s *Suite) TestStatusRequiresSession() {
	resp := s.get("/api/v1/connections/status", "")
	defer resp.Body.Close()

	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *Suite) TestStatusIsScopedToUser() {
	s.completeAuthorization("user-1")

	status := s.fetchStatus("user-2", false)
	s.Equal(0, status.TotalConnections)
}

func (s *Suite) TestStatusWithValidation() {
	s.completeAuthorization("user-1")

	status := s.fetchStatus("user-1", true)
	s.Require().Equal(1, status.TotalConnections)
	s.True(status.Connections[0].Connected)
	s.Equal("token validated", status.Connections[0].Message)
}

func (s *Suite) TestDisconnect() {
	s.completeAuthorization("user-1")

	resp := s.postJSON("/api/v1/connections/disconnect", s.sessionToken("user-1"),
		dto.DisconnectRequest{TenantID: "tenant-alpha"})
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode)

	status := s.fetchStatus("user-1", false)
	s.Require().Equal(1, status.TotalConnections)
	s.False(status.Connections[0].Connected)
	s.Contains(status.Connections[0].Message, "reconnect required")
}

func (s *Suite) TestDisconnectUnknownTenant() {
	resp := s.postJSON("/api/v1/connections/disconnect", s.sessionToken("user-1"),
		dto.DisconnectRequest{TenantID: "no-such-tenant"})
	defer resp.Body.Close()

	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *Suite) TestReconnectAfterDisconnect() {
	s.completeAuthorization("user-1")

	resp := s.postJSON("/api/v1/connections/disconnect", s.sessionToken("user-1"),
		dto.DisconnectRequest{TenantID: "tenant-alpha"})
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	s.completeAuthorization("user-1")

	status := s.fetchStatus("user-1", false)
	s.Require().Equal(1, status.TotalConnections)
	s.True(status.Connections[0].Connected)
	s.Equal("connected", status.Connections[0].Message)
}
