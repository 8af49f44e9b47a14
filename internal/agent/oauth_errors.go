package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for security-critical and recoverable flow conditions.
var (
	// errStateMismatch marks a CSRF state check failure. Always fatal to
	// the attempt, never retried with the same state.
	errStateMismatch = errors.New("state parameter mismatch - possible CSRF attack")

	// errAuthorizationTimeout marks an expired wait for the browser redirect
	errAuthorizationTimeout = errors.New("OAuth authorization timed out")

	// errRegistrationUnsupported marks an authorization server without a
	// registration endpoint. Recoverable via externally supplied credentials.
	errRegistrationUnsupported = errors.New("dynamic client registration not available")
)

// DiscoveryError indicates that no authorization server could be located or
// selected for the resource.
type DiscoveryError struct {
	Resource string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("authorization server discovery failed for %s: %v", e.Resource, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// MetadataError indicates an issuer was discovered but no usable endpoint
// metadata could be obtained for it.
type MetadataError struct {
	Issuer string
	Err    error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("no usable metadata for authorization server %s: %v", e.Issuer, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// RegistrationError carries the HTTP detail of a failed Dynamic Client
// Registration attempt. Recoverable via externally supplied credentials.
type RegistrationError struct {
	Status int
	Body   string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("dynamic client registration failed with status %d: %s", e.Status, e.Body)
}

// AuthDeniedError indicates the user or the authorization server declined the
// authorization request at the redirect.
type AuthDeniedError struct {
	Code        string
	Description string
}

func (e *AuthDeniedError) Error() string {
	msg := fmt.Sprintf("OAuth authorization failed: %s - %s", e.Code, e.Description)
	switch e.Code {
	case "invalid_scope":
		msg += "\nHint: The server rejected the requested scopes. Retry without explicit scopes."
	case "invalid_client":
		msg += "\nHint: The dynamically registered client was rejected. Check if the server supports dynamic client registration, or supply a pre-registered client ID."
	}
	return msg
}

// TokenExchangeError carries the HTTP detail of a failed authorization-code
// exchange.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
}

// TokenRefreshError carries the detail of a failed refresh attempt. It is
// never returned to callers of GetValidToken; a refresh failure only triggers
// fallback to the full interactive flow.
type TokenRefreshError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenRefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token refresh failed: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed with status %d: %s", e.Status, e.Body)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }
