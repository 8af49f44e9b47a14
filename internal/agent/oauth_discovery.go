// Authorization server discovery for protected MCP resources per RFC 9728,
// with convention-based fallbacks for Datadog sites.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// protectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata
// as defined in RFC 9728.
type protectedResourceMetadata struct {
	// Resource is the protected resource identifier
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers for this resource
	AuthorizationServers []string `json:"authorization_servers"`

	// ScopesSupported lists the OAuth scopes supported by this resource
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// BearerMethodsSupported indicates how bearer tokens can be presented
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// wwwAuthenticateChallenge represents parsed WWW-Authenticate header information.
type wwwAuthenticateChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer")
	Scheme string

	// ASMetadataURL is the as_uri parameter: a URL to fetch protected
	// resource metadata from
	ASMetadataURL string

	// ResourceMetadataURL is the RFC 9728 resource_metadata parameter
	ResourceMetadataURL string

	// Error indicates the error type (e.g., "insufficient_scope")
	Error string

	// ErrorDescription provides human-readable error details
	ErrorDescription string
}

const (
	// Maximum size for metadata documents (1MB)
	maxMetadataSize = 1024 * 1024

	// HTTP timeout for discovery and metadata requests
	metadataRequestTimeout = 10 * time.Second
)

// newMetadataHTTPClient returns an HTTP client for discovery requests.
// Certificate validation is always enabled; there is no insecure variant.
func newMetadataHTTPClient() *http.Client {
	return &http.Client{
		Timeout: metadataRequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// parseWWWAuthenticate parses a WWW-Authenticate header value and extracts
// OAuth challenge parameters per RFC 6750 and RFC 9728.
//
// Example header:
//
//	WWW-Authenticate: Bearer realm="x",
//	                         as_uri="https://auth.example.com/.well-known/oauth-protected-resource",
//	                         error="insufficient_scope"
func parseWWWAuthenticate(header string) (*wwwAuthenticateChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	// Split scheme and parameters
	parts := strings.SplitN(header, " ", 2)

	challenge := &wwwAuthenticateChallenge{
		Scheme: parts[0],
	}

	if len(parts) == 2 {
		params := parseAuthParams(parts[1])
		challenge.ASMetadataURL = params["as_uri"]
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]
	}

	return challenge, nil
}

// parseAuthParams parses OAuth authentication parameters from the challenge.
// Handles both quoted and unquoted values, in any order, tolerating unknown
// parameters. Keys are matched case-sensitively.
// Format: key1="value1", key2="value2", key3=value3
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)

	// Split by comma, but respect quotes
	parts := splitPreservingQuotes(params, ',')

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		eqIdx := strings.Index(part, "=")
		if eqIdx == -1 {
			continue
		}

		key := strings.TrimSpace(part[:eqIdx])
		value := strings.TrimSpace(part[eqIdx+1:])

		// Remove surrounding quotes from value if present
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		if key != "" {
			result[key] = value
		}
	}

	return result
}

// splitPreservingQuotes splits a string by delimiter but preserves quoted sections.
func splitPreservingQuotes(s string, delimiter byte) []string {
	var result []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		switch {
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case ch == delimiter && !inQuotes:
			result = append(result, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

// discoveryStrategy is one way of locating authorization servers for a
// protected resource. Strategies are attempted in confidence order; returning
// an empty list with a nil error means "not applicable, try the next one".
type discoveryStrategy interface {
	name() string
	attempt(ctx context.Context, resource string) ([]string, error)
}

// serverDiscoverer locates the authorization servers for a protected resource
// by running an ordered list of discovery strategies.
type serverDiscoverer struct {
	httpClient *http.Client
	logger     *Logger
	strategies []discoveryStrategy
}

// newServerDiscoverer builds the standard strategy chain: WWW-Authenticate
// challenge probing, well-known metadata paths, and the Datadog-convention
// fallback. The final strategy never fails, so discovery never returns an
// empty server set.
func newServerDiscoverer(cfg *OAuthConfig, logger *Logger) *serverDiscoverer {
	client := newMetadataHTTPClient()
	return &serverDiscoverer{
		httpClient: client,
		logger:     logger,
		strategies: []discoveryStrategy{
			&challengeStrategy{httpClient: client, logger: logger},
			&wellKnownStrategy{httpClient: client, site: cfg.Site, logger: logger},
			&conventionStrategy{site: cfg.Site, logger: logger},
		},
	}
}

// discover returns candidate authorization server issuer URLs for the
// resource, in discovery-confidence order. Network and parse errors degrade
// to the next strategy rather than propagating; the convention fallback
// guarantees a non-empty result.
func (d *serverDiscoverer) discover(ctx context.Context, resource string) ([]string, error) {
	for _, strategy := range d.strategies {
		servers, err := strategy.attempt(ctx, resource)
		if err != nil {
			d.logger.WarningVerbose("Discovery strategy %s failed: %v", strategy.name(), err)
			continue
		}
		if len(servers) == 0 {
			continue
		}
		d.logger.InfoVerbose("Discovered authorization servers via %s: %v", strategy.name(), servers)
		return servers, nil
	}

	// Unreachable with the standard chain: the convention strategy always
	// produces candidates.
	return nil, &DiscoveryError{Resource: resource, Err: fmt.Errorf("no discovery strategy produced authorization servers")}
}

// challengeStrategy probes the resource unauthenticated and follows the
// WWW-Authenticate challenge of a 401 response to protected resource metadata.
type challengeStrategy struct {
	httpClient *http.Client
	logger     *Logger
}

func (*challengeStrategy) name() string { return "www-authenticate" }

func (s *challengeStrategy) attempt(ctx context.Context, resource string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataSize))

	if resp.StatusCode != http.StatusUnauthorized {
		// Resource did not challenge; nothing for this strategy to do.
		return nil, nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil, nil
	}

	challenge, err := parseWWWAuthenticate(header)
	if err != nil {
		return nil, err
	}

	metadataURL := challenge.ASMetadataURL
	if metadataURL == "" {
		metadataURL = challenge.ResourceMetadataURL
	}
	if metadataURL == "" {
		return nil, nil
	}

	s.logger.InfoVerbose("Following WWW-Authenticate metadata URL: %s", metadataURL)
	metadata, err := fetchProtectedResourceMetadata(ctx, s.httpClient, metadataURL)
	if err != nil {
		return nil, err
	}
	return metadata.AuthorizationServers, nil
}

// wellKnownStrategy probes the fixed list of well-known protected-resource
// metadata paths for the resource, its origin, and the site API domain.
type wellKnownStrategy struct {
	httpClient *http.Client
	site       string
	logger     *Logger
}

func (*wellKnownStrategy) name() string { return "well-known" }

func (s *wellKnownStrategy) attempt(ctx context.Context, resource string) ([]string, error) {
	parsed, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to parse resource URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("resource URL must include scheme and host")
	}

	origin := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	candidates := []string{
		strings.TrimSuffix(resource, "/") + "/.well-known/oauth-protected-resource",
		origin + "/.well-known/oauth-protected-resource",
		fmt.Sprintf("https://api.%s/.well-known/oauth-protected-resource", s.site),
	}

	for i, candidate := range candidates {
		s.logger.InfoVerbose("Trying well-known URI (%d/%d): %s", i+1, len(candidates), candidate)
		metadata, err := fetchProtectedResourceMetadata(ctx, s.httpClient, candidate)
		if err != nil {
			s.logger.WarningVerbose("Failed to fetch from %s: %v", candidate, err)
			continue
		}
		if len(metadata.AuthorizationServers) > 0 {
			return metadata.AuthorizationServers, nil
		}
	}

	return nil, nil
}

// conventionStrategy synthesizes candidate issuers from the resource host and
// the configured site. It is Datadog-specific heuristic behavior, not part of
// any RFC, and exists so a failed discovery still leaves the flow one full
// attempt to complete.
type conventionStrategy struct {
	site   string
	logger *Logger
}

func (*conventionStrategy) name() string { return "site-convention" }

func (s *conventionStrategy) attempt(_ context.Context, resource string) ([]string, error) {
	var servers []string

	if parsed, err := url.Parse(resource); err == nil && parsed.Host != "" {
		// An mcp. subdomain conventionally hosts its own authorization server.
		if strings.Contains(parsed.Host, "mcp.") {
			servers = append(servers, fmt.Sprintf("https://%s/oauth2/v1", parsed.Host))
		}
	}

	servers = append(servers, fmt.Sprintf("https://app.%s/oauth2/v1", s.site))
	s.logger.Warning("Could not discover authorization servers, using fallback: %v", servers)
	return servers, nil
}

// fetchProtectedResourceMetadata fetches and parses protected resource
// metadata from the specified URL.
func fetchProtectedResourceMetadata(ctx context.Context, client *http.Client, metadataURL string) (*protectedResourceMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	bodyBytes, err := readLimitedBody(resp.Body)
	if err != nil {
		return nil, err
	}

	var metadata protectedResourceMetadata
	if err := json.Unmarshal(bodyBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}

	if len(metadata.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("metadata missing authorization_servers")
	}

	return &metadata, nil
}

// readLimitedBody reads a response body with the metadata size limit applied.
func readLimitedBody(body io.Reader) ([]byte, error) {
	limitedReader := io.LimitReader(body, maxMetadataSize)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(bodyBytes)) >= maxMetadataSize {
		return nil, fmt.Errorf("response exceeds maximum size of %d bytes", maxMetadataSize)
	}
	return bodyBytes, nil
}
