package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestLogger returns a quiet logger for tests.
func newTestLogger() *Logger {
	return NewLoggerWithWriter(false, false, false, discardWriter{})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// mockAuthServer is a minimal OAuth 2.1 authorization server used by the
// discovery, registration, and token tests.
type mockAuthServer struct {
	*httptest.Server
	t *testing.T

	// Configuration
	supportsRegistration bool
	refreshFails         bool
	omitRefreshToken     bool

	// State tracking
	mu                   sync.Mutex
	metadataRequests     int
	tokenRequests        int
	refreshRequests      int
	registrationRequests []clientRegistrationRequest
	lastTokenForm        url.Values
}

func newMockAuthServer(t *testing.T) *mockAuthServer {
	t.Helper()

	mas := &mockAuthServer{
		t:                    t,
		supportsRegistration: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", mas.handleMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", mas.handleMetadata)
	mux.HandleFunc("/token", mas.handleToken)
	mux.HandleFunc("/register", mas.handleRegister)

	mas.Server = httptest.NewServer(mux)
	return mas
}

func (mas *mockAuthServer) metadata() *AuthorizationServerMetadata {
	m := &AuthorizationServerMetadata{
		Issuer:                 mas.URL,
		AuthorizationEndpoint:  mas.URL + "/authorize",
		TokenEndpoint:          mas.URL + "/token",
		ResponseTypesSupported: []string{responseTypeCode},
		GrantTypesSupported:    []string{grantAuthorizationCode, grantRefreshToken},
		CodeChallengeMethods:   []string{pkceMethodS256},
	}
	if mas.supportsRegistration {
		m.RegistrationEndpoint = mas.URL + "/register"
	}
	return m
}

func (mas *mockAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.metadataRequests++
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mas.metadata())
}

func (mas *mockAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	mas.mu.Lock()
	mas.tokenRequests++
	mas.lastTokenForm = r.Form
	grantType := r.Form.Get("grant_type")
	if grantType == grantRefreshToken {
		mas.refreshRequests++
	}
	refreshFails := mas.refreshFails
	omitRefresh := mas.omitRefreshToken
	count := mas.tokenRequests
	mas.mu.Unlock()

	if grantType == grantRefreshToken && refreshFails {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		return
	}

	response := map[string]interface{}{
		"access_token": fmt.Sprintf("ACCESS_TOKEN_%d", count),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !omitRefresh {
		response["refresh_token"] = fmt.Sprintf("REFRESH_TOKEN_%d", count)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (mas *mockAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !mas.supportsRegistration {
		http.Error(w, "not_supported", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	mas.mu.Lock()
	mas.registrationRequests = append(mas.registrationRequests, req)
	n := len(mas.registrationRequests)
	mas.mu.Unlock()

	response := map[string]interface{}{
		"client_id":     fmt.Sprintf("registered_client_%d", n),
		"client_secret": fmt.Sprintf("secret_%d", n),
		"redirect_uris": req.RedirectURIs,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

func (mas *mockAuthServer) tokenRequestCount() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.tokenRequests
}

func (mas *mockAuthServer) lastForm() url.Values {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.lastTokenForm
}

// mockResourceServer is a protected MCP resource that challenges
// unauthenticated requests and publishes RFC 9728 metadata.
type mockResourceServer struct {
	*httptest.Server
	t *testing.T

	authServerURL  string
	challengeParam string // "resource_metadata" or "as_uri"

	mu          sync.Mutex
	validTokens map[string]bool
	requests    int
}

func newMockResourceServer(t *testing.T, authServerURL string) *mockResourceServer {
	t.Helper()

	mrs := &mockResourceServer{
		t:              t,
		authServerURL:  authServerURL,
		challengeParam: "resource_metadata",
		validTokens:    make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", mrs.handleMetadata)
	mux.HandleFunc("/", mrs.handleRequest)

	mrs.Server = httptest.NewServer(mux)
	return mrs
}

func (mrs *mockResourceServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := &protectedResourceMetadata{
		Resource:               mrs.URL,
		AuthorizationServers:   []string{mrs.authServerURL},
		BearerMethodsSupported: []string{"header"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

func (mrs *mockResourceServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	mrs.mu.Lock()
	mrs.requests++
	mrs.mu.Unlock()

	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")

	mrs.mu.Lock()
	valid := mrs.validTokens[token]
	mrs.mu.Unlock()

	if authHeader == "" || !valid {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer %s="%s/.well-known/oauth-protected-resource"`,
			mrs.challengeParam, mrs.URL))
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"result":  map[string]string{"status": "ok"},
		"id":      1,
	})
}

func (mrs *mockResourceServer) addValidToken(token string) {
	mrs.mu.Lock()
	defer mrs.mu.Unlock()
	mrs.validTokens[token] = true
}

func (mrs *mockResourceServer) requestCount() int {
	mrs.mu.Lock()
	defer mrs.mu.Unlock()
	return mrs.requests
}

// testOAuthConfig returns a config suitable for tests: caching disabled,
// localhost redirect.
func testOAuthConfig() *OAuthConfig {
	return &OAuthConfig{
		ClientName:           "test-client",
		RedirectURL:          "http://localhost:18973/callback",
		Site:                 "datadoghq.com",
		AuthorizationTimeout: 5 * time.Minute,
	}
}
