// Authorization Server Metadata Discovery per RFC 8414 and OpenID Connect
// Discovery 1.0.
//
// Multi-Endpoint Discovery:
// Probes multiple discovery endpoints in priority order based on issuer URL
// format, accepting the first HTTP 200 JSON document.
//
// PKCE:
// Servers that do not advertise code_challenge_methods_supported (or omit
// S256 from it) produce a warning only. The client always attempts PKCE and
// never downgrades to a plain flow.
//
// Fallback:
// When every discovery URL fails and the issuer matches the Datadog host
// convention, a minimal metadata record is synthesized assuming
// {issuer}/authorize and {issuer}/token endpoints.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata as defined in RFC 8414 and OpenID Connect Discovery 1.0.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL for the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL for the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for Dynamic Client Registration (optional)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// CodeChallengeMethods lists supported PKCE code challenge methods
	CodeChallengeMethods []string `json:"code_challenge_methods_supported,omitempty"`

	// ScopesSupported lists supported OAuth scopes (optional)
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists supported OAuth response types
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists supported OAuth grant types
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists supported token endpoint auth methods
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// discoverASMetadata discovers authorization server metadata for the given
// issuer URL per RFC 8414 and OIDC Discovery 1.0.
//
// Discovery probes endpoints in this priority order:
//
// For issuer URLs with path components (e.g., https://auth.example.com/tenant1):
//  1. OAuth 2.0 with path insertion: https://auth.example.com/.well-known/oauth-authorization-server/tenant1
//  2. OIDC with path insertion: https://auth.example.com/.well-known/openid-configuration/tenant1
//  3. OIDC path appending: https://auth.example.com/tenant1/.well-known/openid-configuration
//
// For issuer URLs without path components (e.g., https://auth.example.com):
//  1. OAuth 2.0: https://auth.example.com/.well-known/oauth-authorization-server
//  2. OIDC: https://auth.example.com/.well-known/openid-configuration
//
// Returns the first successfully retrieved metadata document, the synthesized
// Datadog-convention fallback when no document is reachable, or a
// MetadataError when neither applies.
func discoverASMetadata(ctx context.Context, client *http.Client, issuerURL string, logger *Logger) (*AuthorizationServerMetadata, error) {
	endpoints, err := buildASMetadataEndpoints(issuerURL)
	if err != nil {
		return nil, &MetadataError{Issuer: issuerURL, Err: err}
	}

	logger.InfoVerbose("Probing %d AS metadata endpoints for issuer: %s", len(endpoints), issuerURL)

	var lastErr error
	for i, endpoint := range endpoints {
		logger.InfoVerbose("Trying AS metadata endpoint (%d/%d): %s", i+1, len(endpoints), endpoint)

		metadata, err := fetchASMetadata(ctx, client, endpoint)
		if err != nil {
			logger.WarningVerbose("Failed to fetch from %s: %v", endpoint, err)
			lastErr = err
			continue
		}

		if err := validateASMetadata(metadata); err != nil {
			logger.WarningVerbose("Invalid metadata from %s: %v", endpoint, err)
			lastErr = err
			continue
		}

		warnMissingPKCE(metadata, issuerURL, logger)
		logger.InfoVerbose("Successfully discovered AS metadata from: %s", endpoint)
		return metadata, nil
	}

	// Provider-scoped fallback: Datadog authorization servers follow a known
	// endpoint convention even when they publish no discovery document.
	if fallback := fallbackDatadogMetadata(issuerURL); fallback != nil {
		logger.Warning("Using fallback metadata for Datadog authorization server: %s", issuerURL)
		return fallback, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no AS metadata found at any discovery endpoint")
	}
	return nil, &MetadataError{Issuer: issuerURL, Err: lastErr}
}

// warnMissingPKCE surfaces the PKCE advertisement state of a discovered
// server. PKCE is always attempted regardless of advertisement.
func warnMissingPKCE(metadata *AuthorizationServerMetadata, issuerURL string, logger *Logger) {
	if len(metadata.CodeChallengeMethods) == 0 {
		logger.Warning("Authorization server %s does not advertise PKCE support; proceeding with PKCE anyway", issuerURL)
		return
	}
	for _, method := range metadata.CodeChallengeMethods {
		if method == pkceMethodS256 {
			return
		}
	}
	logger.Warning("Authorization server %s does not advertise the S256 PKCE method (only: %v); proceeding anyway", issuerURL, metadata.CodeChallengeMethods)
}

// fallbackDatadogMetadata synthesizes minimal metadata for issuers matching
// the Datadog host convention, handling issuer URLs that already end in
// /authorize. Returns nil for non-Datadog issuers.
func fallbackDatadogMetadata(issuerURL string) *AuthorizationServerMetadata {
	lower := strings.ToLower(issuerURL)
	if !strings.Contains(lower, "datadoghq.") && !strings.Contains(lower, "datadog") {
		return nil
	}

	var authEndpoint, tokenEndpoint string
	if strings.HasSuffix(issuerURL, "/authorize") {
		authEndpoint = issuerURL
		tokenEndpoint = strings.TrimSuffix(issuerURL, "/authorize") + "/token"
	} else {
		base := strings.TrimSuffix(issuerURL, "/")
		authEndpoint = base + "/authorize"
		tokenEndpoint = base + "/token"
	}

	return &AuthorizationServerMetadata{
		Issuer:                 issuerURL,
		AuthorizationEndpoint:  authEndpoint,
		TokenEndpoint:          tokenEndpoint,
		ResponseTypesSupported: []string{responseTypeCode},
		GrantTypesSupported:    []string{grantAuthorizationCode, grantRefreshToken},
		CodeChallengeMethods:   []string{pkceMethodS256},
	}
}

// normalizePath removes leading and trailing slashes from a URL path.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return strings.TrimSuffix(p, "/")
}

// isLocalhost checks if the given host is localhost or a loopback address.
func isLocalhost(host string) bool {
	return host == hostLocal ||
		strings.HasPrefix(host, hostLocal+":") ||
		host == hostLoopback ||
		strings.HasPrefix(host, hostLoopback+":") ||
		host == "[::1]" ||
		strings.HasPrefix(host, "[::1]:")
}

// buildASMetadataEndpoints constructs AS metadata discovery endpoints based
// on the issuer URL format per RFC 8414 Section 3 and OIDC Discovery Section 4.
func buildASMetadataEndpoints(issuerURL string) ([]string, error) {
	parsed, err := url.Parse(issuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	if !parsed.IsAbs() {
		return nil, fmt.Errorf("issuer URL must be absolute")
	}

	// HTTPS required, HTTP only allowed for localhost
	if parsed.Scheme == schemeHTTP {
		if !isLocalhost(parsed.Host) {
			return nil, fmt.Errorf("issuer URL must use https scheme (http only allowed for localhost, got: %s)", parsed.Host)
		}
	} else if parsed.Scheme != schemeHTTPS {
		return nil, fmt.Errorf("issuer URL must use http or https scheme")
	}

	if parsed.Host == "" {
		return nil, fmt.Errorf("issuer URL missing host")
	}

	var endpoints []string
	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	path := normalizePath(parsed.Path)

	if path != "" {
		endpoints = append(endpoints,
			fmt.Sprintf("%s/.well-known/oauth-authorization-server/%s", baseURL, path),
			fmt.Sprintf("%s/.well-known/openid-configuration/%s", baseURL, path),
			fmt.Sprintf("%s/%s/.well-known/openid-configuration", baseURL, path),
		)
	} else {
		endpoints = append(endpoints,
			fmt.Sprintf("%s/.well-known/oauth-authorization-server", baseURL),
			fmt.Sprintf("%s/.well-known/openid-configuration", baseURL),
		)
	}

	return endpoints, nil
}

// fetchASMetadata fetches and parses authorization server metadata from the
// specified URL.
func fetchASMetadata(ctx context.Context, client *http.Client, metadataURL string) (*AuthorizationServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	bodyBytes, err := readLimitedBody(resp.Body)
	if err != nil {
		return nil, err
	}

	var metadata AuthorizationServerMetadata
	if err := json.Unmarshal(bodyBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &metadata, nil
}

// validateASMetadata validates authorization server metadata structure and
// checks for required fields per RFC 8414 Section 3.
func validateASMetadata(metadata *AuthorizationServerMetadata) error {
	if metadata.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing required field: authorization_endpoint")
	}

	if metadata.TokenEndpoint == "" {
		return fmt.Errorf("missing required field: token_endpoint")
	}

	endpoints := map[string]string{
		"authorization_endpoint": metadata.AuthorizationEndpoint,
		"token_endpoint":         metadata.TokenEndpoint,
	}

	if metadata.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = metadata.RegistrationEndpoint
	}

	for name, endpoint := range endpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}

		if !parsed.IsAbs() {
			return fmt.Errorf("%s must be absolute URL: %s", name, endpoint)
		}

		if parsed.Scheme == schemeHTTP {
			if !isLocalhost(parsed.Host) {
				return fmt.Errorf("%s must use https scheme (http only allowed for localhost): %s", name, endpoint)
			}
		} else if parsed.Scheme != schemeHTTPS {
			return fmt.Errorf("%s must use http or https scheme: %s", name, endpoint)
		}

		if parsed.Host == "" {
			return fmt.Errorf("%s missing host: %s", name, endpoint)
		}
	}

	return nil
}
