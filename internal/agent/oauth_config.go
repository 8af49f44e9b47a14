package agent

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// OAuthConfig contains OAuth 2.1 configuration for authenticating with MCP
// servers. All values are explicit; nothing is read from the environment
// inside the flow itself so discovery, registration, and the coordinator stay
// testable with injected configuration.
type OAuthConfig struct {
	// ClientName is the display name sent during Dynamic Client Registration
	ClientName string

	// ClientID is a pre-registered OAuth client identifier. Used as the
	// fallback when the authorization server does not support Dynamic
	// Client Registration.
	ClientID string

	// ClientSecret is the secret for the fallback client (optional for
	// public clients)
	ClientSecret string

	// RedirectURL is the callback URL for the OAuth flow. The local
	// listener binds to exactly this host:port.
	RedirectURL string

	// Site is the Datadog site domain used for convention-based discovery
	// fallbacks (e.g. datadoghq.com, datadoghq.eu)
	Site string

	// AuthorizationTimeout bounds the wait for the browser redirect
	AuthorizationTimeout time.Duration

	// CachePath is the token cache file location. Empty disables caching.
	CachePath string
}

// DefaultOAuthConfig returns a configuration with the standard defaults for
// the Datadog MCP server.
func DefaultOAuthConfig() *OAuthConfig {
	return &OAuthConfig{
		ClientName:           "Datadog MCP Client",
		RedirectURL:          "http://localhost:8080/callback",
		Site:                 "datadoghq.com",
		AuthorizationTimeout: 5 * time.Minute,
		CachePath:            defaultCachePath(),
	}
}

// defaultCachePath returns ~/.datadog-mcp/oauth_tokens.json, or empty when
// the home directory cannot be determined (caching is then disabled).
func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".datadog-mcp", "oauth_tokens.json")
}

// WithDefaults fills unset fields with their default values.
func (c *OAuthConfig) WithDefaults() *OAuthConfig {
	out := *c
	if out.ClientName == "" {
		out.ClientName = "Datadog MCP Client"
	}
	if out.RedirectURL == "" {
		out.RedirectURL = "http://localhost:8080/callback"
	}
	if out.Site == "" {
		out.Site = "datadoghq.com"
	}
	if out.AuthorizationTimeout == 0 {
		out.AuthorizationTimeout = 5 * time.Minute
	}
	return &out
}

// Validate checks if the OAuth configuration is valid.
func (c *OAuthConfig) Validate() error {
	if c.RedirectURL == "" {
		return fmt.Errorf("OAuth redirect URL is required")
	}

	parsedURL, err := url.Parse(c.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid OAuth redirect URL: %w", err)
	}

	// Security: Only allow HTTP for localhost/loopback addresses
	if parsedURL.Scheme == schemeHTTP {
		hostname := parsedURL.Hostname()
		// Note: Hostname() strips brackets from IPv6 addresses, so [::1] becomes ::1
		if hostname != hostLocal && hostname != hostLoopback && hostname != "::1" {
			return fmt.Errorf("HTTP redirect URIs are only allowed for localhost/127.0.0.1/[::1], use HTTPS for other hosts")
		}
	} else if parsedURL.Scheme != schemeHTTPS {
		return fmt.Errorf("redirect URI scheme must be http (localhost only) or https, got: %s", parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return fmt.Errorf("OAuth redirect URL missing host")
	}

	if c.Site == "" {
		return fmt.Errorf("site domain is required for discovery fallbacks")
	}

	return nil
}
