package agent

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRoundTripperAttachesToken(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	resourceServer := newMockResourceServer(t, authServer.URL)
	defer resourceServer.Close()
	resourceServer.addValidToken("FRESH")

	session := newTestSession(t, authServer, &tokenSet{
		AccessToken: "FRESH",
		ExpiresAt:   time.Now().Add(time.Hour),
		Resource:    resourceServer.URL + "/mcp",
	})

	client := &http.Client{Transport: newSessionRoundTripper(session, newTestLogger(), nil)}

	resp, err := client.Get(resourceServer.URL + "/mcp")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if n := resourceServer.requestCount(); n != 1 {
		t.Errorf("expected 1 resource request, got %d", n)
	}
}

func TestRoundTripperRetriesOnceAfter401(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	resourceServer := newMockResourceServer(t, authServer.URL)
	defer resourceServer.Close()

	// The resource rejects STALE but accepts whatever the refresh issues.
	resourceServer.addValidToken("ACCESS_TOKEN_1")

	session := newTestSession(t, authServer, &tokenSet{
		AccessToken:  "STALE",
		RefreshToken: "REFRESH_OLD",
		ExpiresAt:    time.Now().Add(time.Hour),
		Resource:     resourceServer.URL + "/mcp",
	})

	client := &http.Client{Transport: newSessionRoundTripper(session, newTestLogger(), nil)}

	resp, err := client.Get(resourceServer.URL + "/mcp")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d: %s", resp.StatusCode, body)
	}
	if n := resourceServer.requestCount(); n != 2 {
		t.Errorf("expected 2 resource requests (original + retry), got %d", n)
	}

	authServer.mu.Lock()
	refreshes := authServer.refreshRequests
	authServer.mu.Unlock()
	if refreshes != 1 {
		t.Errorf("expected 1 refresh, got %d", refreshes)
	}

	// The refresh token survived the 401, so the session can renew again.
	if info := session.TokenInfo(); !info.HasRefreshToken {
		t.Error("refresh token lost across a 401 retry")
	}
}

func TestRoundTripperStopsAfterSecondRejection(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	// No tokens are ever accepted: the retry must happen once and the final
	// 401 must surface to the caller rather than looping.
	resourceServer := newMockResourceServer(t, authServer.URL)
	defer resourceServer.Close()

	session := newTestSession(t, authServer, &tokenSet{
		AccessToken:  "STALE",
		RefreshToken: "REFRESH_OLD",
		ExpiresAt:    time.Now().Add(time.Hour),
		Resource:     resourceServer.URL + "/mcp",
	})

	client := &http.Client{Transport: newSessionRoundTripper(session, newTestLogger(), nil)}

	resp, err := client.Get(resourceServer.URL + "/mcp")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected final 401, got %d", resp.StatusCode)
	}
	if n := resourceServer.requestCount(); n != 2 {
		t.Errorf("expected exactly 2 resource requests, got %d", n)
	}
}

func TestRoundTripperRewindsBodyOnRetry(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	resourceServer := newMockResourceServer(t, authServer.URL)
	defer resourceServer.Close()
	resourceServer.addValidToken("ACCESS_TOKEN_1")

	session := newTestSession(t, authServer, &tokenSet{
		AccessToken:  "STALE",
		RefreshToken: "REFRESH_OLD",
		ExpiresAt:    time.Now().Add(time.Hour),
		Resource:     resourceServer.URL + "/mcp",
	})

	client := &http.Client{Transport: newSessionRoundTripper(session, newTestLogger(), nil)}

	// strings.Reader gives http.NewRequest a GetBody, which the retry needs.
	resp, err := client.Post(resourceServer.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after retried POST, got %d", resp.StatusCode)
	}
}

func TestRoundTripperDoesNotMutateCallerRequest(t *testing.T) {
	authServer := newMockAuthServer(t)
	defer authServer.Close()

	resourceServer := newMockResourceServer(t, authServer.URL)
	defer resourceServer.Close()
	resourceServer.addValidToken("FRESH")

	session := newTestSession(t, authServer, &tokenSet{
		AccessToken: "FRESH",
		ExpiresAt:   time.Now().Add(time.Hour),
		Resource:    resourceServer.URL + "/mcp",
	})

	rt := newSessionRoundTripper(session, newTestLogger(), nil)

	req, err := http.NewRequest(http.MethodGet, resourceServer.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	_ = resp.Body.Close()

	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("caller request must stay untouched, found Authorization %q", got)
	}
}
