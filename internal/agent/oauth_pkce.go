package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceParams holds a one-time PKCE verifier/challenge pair. Generated once
// per authorization attempt and never reused across flows.
type pkceParams struct {
	// Verifier is the secret, revealed only in the token exchange request
	Verifier string

	// Challenge is SHA-256(Verifier), base64url without padding, sent in
	// the authorization request
	Challenge string

	// Method is always S256; plain is never offered
	Method string
}

// generatePKCE produces a fresh PKCE verifier/challenge pair per RFC 7636.
// The verifier is 32 bytes of cryptographically secure randomness,
// base64url-encoded without padding (43 characters).
func generatePKCE() (*pkceParams, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))

	return &pkceParams{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    pkceMethodS256,
	}, nil
}

// generateState produces a high-entropy state parameter for CSRF protection.
// Generated once per authorization attempt.
func generateState() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state parameter: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
