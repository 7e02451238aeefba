package acceptance

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// identityTenant mirrors one entry of the platform connections response
type identityTenant struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
	TenantType string `json:"tenantType"`
}

// fakeIdentity stands in for the platform identity service during
// acceptance runs: it issues tokens and lists tenants without any real
// OAuth provider.
type fakeIdentity struct {
	mu sync.Mutex

	server *httptest.Server

	tokenCalls  int
	rejectToken string // OAuth error code; empty means succeed
	accessToken string
	tenants     []identityTenant
}

func newFakeIdentity() *fakeIdentity {
	f := &fakeIdentity{}
	f.Reset()

	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", f.handleToken)
	mux.HandleFunc("/connections", f.handleConnections)
	f.server = httptest.NewServer(mux)

	return f
}

func (f *fakeIdentity) URL() string {
	return f.server.URL
}

func (f *fakeIdentity) Close() {
	f.server.Close()
}

// Reset restores the default scripted behavior between tests
func (f *fakeIdentity) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokenCalls = 0
	f.rejectToken = ""
	f.accessToken = "acceptance-access-token"
	f.tenants = []identityTenant{
		{ID: "ext-conn-1", TenantID: "tenant-alpha", TenantName: "Alpha Ltd", TenantType: "ORGANISATION"},
	}
}

func (f *fakeIdentity) SetTenants(tenants []identityTenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = tenants
}

func (f *fakeIdentity) RejectTokenWith(errorCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectToken = errorCode
}

func (f *fakeIdentity) TokenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

func (f *fakeIdentity) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenCalls++
	reject := f.rejectToken
	accessToken := f.accessToken
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reject != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":"%s"}`, reject)
		return
	}

	fmt.Fprintf(w, `{
		"access_token": "%s",
		"refresh_token": "acceptance-refresh-token",
		"token_type": "Bearer",
		"expires_in": 1800
	}`, accessToken)
}

func (f *fakeIdentity) handleConnections(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	accessToken := f.accessToken
	tenants := f.tenants
	f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+accessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tenants)
}
