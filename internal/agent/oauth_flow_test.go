package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"
)

func newTestFlowCoordinator(t *testing.T, resource string, cfg *OAuthConfig) *flowCoordinator {
	t.Helper()
	f, err := newFlowCoordinator(resource, cfg, newTestLogger())
	if err != nil {
		t.Fatalf("newFlowCoordinator failed: %v", err)
	}
	return f
}

func TestBuildAuthorizationURL(t *testing.T) {
	cfg := testOAuthConfig()
	resource := "HTTPS://MCP.Example.COM/mcp/"

	f := newTestFlowCoordinator(t, resource, cfg)
	f.metadata = &AuthorizationServerMetadata{AuthorizationEndpoint: "https://auth.example.com/authorize"}
	f.registration = &clientRegistration{ClientID: "client-1"}

	authURL := f.buildAuthorizationURL()

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("authorization URL does not parse: %v", err)
	}
	if parsed.Scheme != "https" || parsed.Host != "auth.example.com" || parsed.Path != "/authorize" {
		t.Errorf("unexpected endpoint: %s", authURL)
	}

	query := parsed.Query()
	expected := map[string]string{
		"response_type":         responseTypeCode,
		"client_id":             "client-1",
		"redirect_uri":          cfg.RedirectURL,
		"code_challenge":        f.pkce.Challenge,
		"code_challenge_method": pkceMethodS256,
		"resource":              resource,
		"state":                 f.csrfState,
	}
	for key, want := range expected {
		if got := query.Get(key); got != want {
			t.Errorf("query param %s: expected %q, got %q", key, want, got)
		}
	}

	// The MCP authorization request carries no scope parameter.
	if query.Has("scope") {
		t.Errorf("authorization URL must not include a scope parameter: %s", authURL)
	}
}

// deliverCallback simulates the browser redirect by requesting the local
// callback endpoint until the listener is up.
func deliverCallback(t *testing.T, callbackURL string) *http.Response {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(callbackURL)
		if err == nil {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("callback listener never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	cfg := testOAuthConfig()
	cfg.RedirectURL = "http://localhost:18974/callback"

	f := newTestFlowCoordinator(t, "https://mcp.example.com/mcp", cfg)
	f.metadata = authServer.metadata()
	f.registration = &clientRegistration{ClientID: "client-1"}

	type authorizeResult struct {
		tokens *tokenSet
		err    error
	}
	done := make(chan authorizeResult, 1)
	go func() {
		tokens, err := f.authorize(context.Background())
		done <- authorizeResult{tokens, err}
	}()

	resp := deliverCallback(t, fmt.Sprintf("%s?code=code123&state=%s", cfg.RedirectURL, url.QueryEscape(f.csrfState)))
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("callback response: expected 200, got %d", resp.StatusCode)
	}

	result := <-done
	if result.err != nil {
		t.Fatalf("authorize failed: %v", result.err)
	}
	if result.tokens.AccessToken != "ACCESS_TOKEN_1" {
		t.Errorf("unexpected access token: %s", result.tokens.AccessToken)
	}

	form := authServer.lastForm()
	if got := form.Get("code"); got != "code123" {
		t.Errorf("exchanged code: got %q", got)
	}
	if got := form.Get("code_verifier"); got != f.pkce.Verifier {
		t.Errorf("code_verifier: got %q", got)
	}
}

func TestAuthorizeStateMismatch(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	cfg := testOAuthConfig()
	cfg.RedirectURL = "http://localhost:18975/callback"

	f := newTestFlowCoordinator(t, "https://mcp.example.com/mcp", cfg)
	f.metadata = authServer.metadata()
	f.registration = &clientRegistration{ClientID: "client-1"}

	done := make(chan error, 1)
	go func() {
		_, err := f.authorize(context.Background())
		done <- err
	}()

	resp := deliverCallback(t, cfg.RedirectURL+"?code=code123&state=FORGED")
	_ = resp.Body.Close()

	err := <-done
	if !errors.Is(err, errStateMismatch) {
		t.Fatalf("expected errStateMismatch, got %v", err)
	}

	// A CSRF failure must abort before any token endpoint traffic.
	if n := authServer.tokenRequestCount(); n != 0 {
		t.Errorf("expected 0 token requests after state mismatch, got %d", n)
	}
}

func TestAuthorizeDenied(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	cfg := testOAuthConfig()
	cfg.RedirectURL = "http://localhost:18976/callback"

	f := newTestFlowCoordinator(t, "https://mcp.example.com/mcp", cfg)
	f.metadata = authServer.metadata()
	f.registration = &clientRegistration{ClientID: "client-1"}

	done := make(chan error, 1)
	go func() {
		_, err := f.authorize(context.Background())
		done <- err
	}()

	resp := deliverCallback(t, cfg.RedirectURL+"?error=access_denied&error_description=user+declined")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("callback response: expected 400, got %d", resp.StatusCode)
	}

	err := <-done
	var denied *AuthDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected *AuthDeniedError, got %T: %v", err, err)
	}
	if denied.Code != "access_denied" {
		t.Errorf("unexpected error code: %s", denied.Code)
	}
	if n := authServer.tokenRequestCount(); n != 0 {
		t.Errorf("expected 0 token requests after denial, got %d", n)
	}
}

func TestAuthorizeTimeout(t *testing.T) {
	cfg := testOAuthConfig()
	cfg.RedirectURL = "http://localhost:18977/callback"
	cfg.AuthorizationTimeout = 100 * time.Millisecond

	f := newTestFlowCoordinator(t, "https://mcp.example.com/mcp", cfg)
	f.metadata = &AuthorizationServerMetadata{AuthorizationEndpoint: "https://auth.example.com/authorize", TokenEndpoint: "https://auth.example.com/token"}
	f.registration = &clientRegistration{ClientID: "client-1"}

	_, err := f.authorize(context.Background())
	if !errors.Is(err, errAuthorizationTimeout) {
		t.Fatalf("expected errAuthorizationTimeout, got %v", err)
	}
}

func TestAuthorizeContextCancelled(t *testing.T) {
	cfg := testOAuthConfig()
	cfg.RedirectURL = "http://localhost:18978/callback"

	f := newTestFlowCoordinator(t, "https://mcp.example.com/mcp", cfg)
	f.metadata = &AuthorizationServerMetadata{AuthorizationEndpoint: "https://auth.example.com/authorize", TokenEndpoint: "https://auth.example.com/token"}
	f.registration = &clientRegistration{ClientID: "client-1"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.authorize(ctx)
		done <- err
	}()

	// Let the listener start, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegisterFallsBackOnTransportError(t *testing.T) {
	cfg := testOAuthConfig()
	cfg.ClientID = "abc"
	cfg.ClientSecret = "shh"

	f := newTestFlowCoordinator(t, "https://mcp.example.com/mcp", cfg)
	// Nothing listens on port 1, so the registration POST fails at the
	// transport level rather than with an HTTP error response.
	f.metadata = &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
		RegistrationEndpoint:  "http://127.0.0.1:1/register",
	}

	if err := f.register(context.Background()); err != nil {
		t.Fatalf("expected fallback to configured credentials, got %v", err)
	}
	if f.registration == nil || f.registration.ClientID != "abc" {
		t.Errorf("expected fallback registration with client_id abc, got %+v", f.registration)
	}

	// The fallback credentials must flow into the authorization request.
	authURL := f.buildAuthorizationURL()
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("authorization URL does not parse: %v", err)
	}
	if got := parsed.Query().Get("client_id"); got != "abc" {
		t.Errorf("authorization URL client_id: expected abc, got %q", got)
	}
}

func TestRegisterTransportErrorWithoutFallback(t *testing.T) {
	f := newTestFlowCoordinator(t, "https://mcp.example.com/mcp", testOAuthConfig())
	f.metadata = &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
		RegistrationEndpoint:  "http://127.0.0.1:1/register",
	}

	if err := f.register(context.Background()); err == nil {
		t.Fatal("expected error when registration fails and no fallback client_id is configured")
	}
}

func TestFlowCoordinatorFreshParameters(t *testing.T) {
	cfg := testOAuthConfig()

	a := newTestFlowCoordinator(t, "res", cfg)
	b := newTestFlowCoordinator(t, "res", cfg)

	if a.csrfState == b.csrfState {
		t.Error("coordinators must not share state values")
	}
	if a.pkce.Verifier == b.pkce.Verifier {
		t.Error("coordinators must not share PKCE verifiers")
	}
	if a.state != flowStateInit {
		t.Errorf("new coordinator state: got %s", a.state)
	}
}

func TestFlowStateString(t *testing.T) {
	states := map[flowState]string{
		flowStateInit:             "init",
		flowStateDiscovering:      "discovering",
		flowStateServerSelected:   "server-selected",
		flowStateRegistering:      "registering",
		flowStateRegistered:       "registered",
		flowStateAwaitingRedirect: "awaiting-redirect",
		flowStateCodeReceived:     "code-received",
		flowStateTokenExchanged:   "token-exchanged",
		flowState(99):             "unknown",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("flowState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
