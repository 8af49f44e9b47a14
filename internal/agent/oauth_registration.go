// Dynamic Client Registration per RFC 7591, with fallback to externally
// supplied client credentials when the authorization server does not offer a
// registration endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// clientRegistrationRequest is the fixed-shape registration document posted
// to the registration endpoint.
type clientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	ClientURI               string   `json:"client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ApplicationType         string   `json:"application_type"`
}

// clientRegistration holds the active client credentials for a session,
// whether obtained dynamically or supplied out-of-band.
type clientRegistration struct {
	// ClientID is required
	ClientID string `json:"client_id"`

	// ClientSecret is present only for confidential clients
	ClientSecret string `json:"client_secret,omitempty"`

	// RegistrationAccessToken allows later management of the registration
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`

	// ClientIDIssuedAt is the issuance time as unix seconds
	ClientIDIssuedAt int64 `json:"client_id_issued_at,omitempty"`

	// ClientSecretExpiresAt is the secret expiry as unix seconds (0 = never)
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at,omitempty"`
}

// registerClient performs dynamic client registration against the server
// described by metadata. The redirect URI in the registration document must
// match exactly what the authorization request will use.
//
// Returns errRegistrationUnsupported when the server offers no registration
// endpoint and a *RegistrationError (carrying the response body for
// diagnostics) on a non-2xx response. Both are recoverable through
// fallbackRegistration.
func registerClient(ctx context.Context, client *http.Client, metadata *AuthorizationServerMetadata, cfg *OAuthConfig, logger *Logger) (*clientRegistration, error) {
	if metadata.RegistrationEndpoint == "" {
		logger.Warning("Authorization server does not support dynamic client registration")
		return nil, errRegistrationUnsupported
	}

	request := &clientRegistrationRequest{
		ClientName:   cfg.ClientName,
		ClientURI:    "https://github.com/jthomas-dd/datadog-mcp",
		RedirectURIs: []string{cfg.RedirectURL},
		GrantTypes:   []string{grantAuthorizationCode, grantRefreshToken},
		// localhost redirect makes this a native application
		ResponseTypes:           []string{responseTypeCode},
		TokenEndpointAuthMethod: "client_secret_basic",
		ApplicationType:         "native",
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
		return nil, &RegistrationError{Status: resp.StatusCode, Body: string(errorBody)}
	}

	bodyBytes, err := readLimitedBody(resp.Body)
	if err != nil {
		return nil, err
	}

	var registration clientRegistration
	if err := json.Unmarshal(bodyBytes, &registration); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}

	if registration.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	logger.Success("Successfully registered dynamic client: %s", registration.ClientID)
	return &registration, nil
}

// fallbackRegistration builds a registration from externally supplied client
// credentials. Absence of a fallback client ID is fatal to the flow.
func fallbackRegistration(cfg *OAuthConfig, logger *Logger) (*clientRegistration, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("dynamic registration failed and no fallback client_id configured")
	}
	logger.Info("Using fallback client credentials")
	return &clientRegistration{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, nil
}
