// Token endpoint operations: authorization-code exchange and refresh, both
// carrying the RFC 8707 resource indicator.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// expiryMargin is the safety window before the recorded expiry within which a
// token is treated as expiring and refreshed proactively.
const expiryMargin = 5 * time.Minute

// defaultExpiresIn is assumed when the token response omits expires_in.
const defaultExpiresIn = 3600 * time.Second

// tokenSet is the current token material for one resource. Replaced
// wholesale on every successful exchange or refresh.
type tokenSet struct {
	// AccessToken is the bearer credential for the resource
	AccessToken string

	// RefreshToken may be empty when the server issued none
	RefreshToken string

	// ExpiresAt is the absolute expiry instant
	ExpiresAt time.Time

	// Resource is the identifier the token is bound to, byte-for-byte as
	// supplied by the caller
	Resource string
}

// fresh reports whether the access token is still usable without any network
// I/O, applying the expiry margin.
func (t *tokenSet) fresh(now time.Time) bool {
	return now.Before(t.ExpiresAt.Add(-expiryMargin))
}

// tokenResponse is the token endpoint's JSON response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// postTokenRequest posts a form-encoded request to the token endpoint and
// decodes the response, returning the raw status and body on non-2xx.
func postTokenRequest(ctx context.Context, client *http.Client, tokenEndpoint string, form url.Values) (*tokenResponse, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
		return nil, resp.StatusCode, string(body), nil
	}

	bodyBytes, err := readLimitedBody(resp.Body)
	if err != nil {
		return nil, 0, "", err
	}

	var token tokenResponse
	if err := json.Unmarshal(bodyBytes, &token); err != nil {
		return nil, 0, "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, 0, "", fmt.Errorf("token response missing access_token")
	}

	return &token, resp.StatusCode, "", nil
}

// exchangeAuthorizationCode exchanges an authorization code for a token set.
// The resource parameter is included verbatim per RFC 8707.
func exchangeAuthorizationCode(ctx context.Context, client *http.Client, tokenEndpoint string, registration *clientRegistration, code, codeVerifier, redirectURI, resource string) (*tokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", grantAuthorizationCode)
	form.Set("client_id", registration.ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", codeVerifier)
	form.Set("resource", resource)
	if registration.ClientSecret != "" {
		form.Set("client_secret", registration.ClientSecret)
	}

	token, status, body, err := postTokenRequest(ctx, client, tokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, &TokenExchangeError{Status: status, Body: body}
	}

	return newTokenSet(token, resource, ""), nil
}

// refreshTokenSet attempts a refresh-grant request for the current token set.
// Any failure is reported as a *TokenRefreshError; callers treat it as a
// signal to fall back to the full interactive flow, never as fatal.
func refreshTokenSet(ctx context.Context, client *http.Client, tokenEndpoint string, registration *clientRegistration, current *tokenSet) (*tokenSet, error) {
	if current.RefreshToken == "" {
		return nil, &TokenRefreshError{Err: fmt.Errorf("no refresh token available")}
	}

	form := url.Values{}
	form.Set("grant_type", grantRefreshToken)
	form.Set("client_id", registration.ClientID)
	form.Set("refresh_token", current.RefreshToken)
	form.Set("resource", current.Resource)
	if registration.ClientSecret != "" {
		form.Set("client_secret", registration.ClientSecret)
	}

	token, status, body, err := postTokenRequest(ctx, client, tokenEndpoint, form)
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	if token == nil {
		return nil, &TokenRefreshError{Status: status, Body: body}
	}

	// A response without a refresh token means the old one stays valid.
	return newTokenSet(token, current.Resource, current.RefreshToken), nil
}

// newTokenSet converts a token response into a tokenSet with an absolute
// expiry, retaining previousRefreshToken when the response carries none.
func newTokenSet(token *tokenResponse, resource, previousRefreshToken string) *tokenSet {
	expiresIn := defaultExpiresIn
	if token.ExpiresIn > 0 {
		expiresIn = time.Duration(token.ExpiresIn) * time.Second
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}

	return &tokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(expiresIn),
		Resource:     resource,
	}
}
