// Session facade: the single entry point for obtaining a currently valid
// access token for one protected resource.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session owns the token lifecycle for exactly one protected resource. It
// decides between returning the cached token, refreshing it, and running the
// full interactive flow, and it is the only writer of the token cache.
//
// Sessions are not reused across resources.
type Session struct {
	resource   string
	cfg        *OAuthConfig
	logger     *Logger
	cache      *tokenCache
	httpClient *http.Client

	mu           sync.Mutex
	tokens       *tokenSet
	metadata     *AuthorizationServerMetadata
	registration *clientRegistration

	// group coalesces concurrent refresh/authorize attempts so two callers
	// never race two browser pop-ups or token exchanges
	group singleflight.Group
}

// NewSession creates a session for the given resource identifier. The
// resource is used verbatim, byte-for-byte, as the RFC 8707 resource
// parameter in every authorization and token request; it is never normalized
// here. A previously cached token set for the same resource becomes the
// session's starting state.
func NewSession(resource string, cfg *OAuthConfig, logger *Logger) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OAuth configuration: %w", err)
	}

	cache := newTokenCache(cfg.CachePath, logger)

	return &Session{
		resource:   resource,
		cfg:        cfg,
		logger:     logger,
		cache:      cache,
		httpClient: newMetadataHTTPClient(),
		tokens:     cache.load(resource),
	}, nil
}

// Resource returns the resource identifier this session is bound to.
func (s *Session) Resource() string {
	return s.resource
}

// GetValidToken returns a currently valid access token for the session's
// resource, running whatever part of the OAuth machinery is needed: cache
// hit, transparent refresh, or the full interactive flow. A fresh cached
// token is returned without any network I/O.
func (s *Session) GetValidToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.tokens != nil && s.tokens.fresh(time.Now()) {
		token := s.tokens.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	// Coalesce concurrent callers onto one in-flight authorization.
	result, err, _ := s.group.Do("token", func() (interface{}, error) {
		return s.renewToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// renewToken runs under the singleflight group: refresh when possible,
// otherwise the full interactive flow.
func (s *Session) renewToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()

	// A caller that queued behind the winning flight sees its result here.
	if tokens != nil && tokens.fresh(time.Now()) {
		return tokens.AccessToken, nil
	}

	if tokens != nil && tokens.RefreshToken != "" {
		token, err := s.refresh(ctx, tokens)
		if err == nil {
			return token, nil
		}
		s.logger.Warning("Token refresh failed: %v, starting new OAuth flow", err)
	}

	return s.runFullFlow(ctx)
}

// refresh attempts exactly one refresh-grant request. The token endpoint and
// client credentials are re-discovered non-interactively when the session has
// none yet (e.g. refresh token loaded from cache after a restart).
func (s *Session) refresh(ctx context.Context, tokens *tokenSet) (string, error) {
	metadata, registration, err := s.ensureEndpoints(ctx)
	if err != nil {
		return "", &TokenRefreshError{Err: err}
	}

	renewed, err := refreshTokenSet(ctx, s.httpClient, metadata.TokenEndpoint, registration, tokens)
	if err != nil {
		return "", err
	}

	s.storeTokens(renewed)
	return renewed.AccessToken, nil
}

// ensureEndpoints makes sure the session has authorization server metadata
// and client credentials, discovering and registering non-interactively when
// missing.
func (s *Session) ensureEndpoints(ctx context.Context) (*AuthorizationServerMetadata, *clientRegistration, error) {
	s.mu.Lock()
	metadata := s.metadata
	registration := s.registration
	s.mu.Unlock()

	if metadata == nil {
		discoverer := newServerDiscoverer(s.cfg, s.logger)
		servers, err := discoverer.discover(ctx, s.resource)
		if err != nil {
			return nil, nil, err
		}
		for _, server := range servers {
			m, err := discoverASMetadata(ctx, s.httpClient, server, s.logger)
			if err != nil {
				continue
			}
			metadata = m
			break
		}
		if metadata == nil {
			return nil, nil, &DiscoveryError{Resource: s.resource, Err: fmt.Errorf("no authorization server metadata available")}
		}
	}

	if registration == nil {
		reg, err := registerClient(ctx, s.httpClient, metadata, s.cfg, s.logger)
		if err != nil {
			reg, err = fallbackRegistration(s.cfg, s.logger)
			if err != nil {
				return nil, nil, err
			}
		}
		registration = reg
	}

	s.mu.Lock()
	s.metadata = metadata
	s.registration = registration
	s.mu.Unlock()

	return metadata, registration, nil
}

// runFullFlow executes the complete interactive flow and stores its result.
func (s *Session) runFullFlow(ctx context.Context) (string, error) {
	coordinator, err := newFlowCoordinator(s.resource, s.cfg, s.logger)
	if err != nil {
		return "", err
	}

	tokens, err := coordinator.run(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.metadata = coordinator.metadata
	s.registration = coordinator.registration
	s.mu.Unlock()

	s.storeTokens(tokens)
	return tokens.AccessToken, nil
}

// storeTokens replaces the in-memory token set wholesale and persists it.
func (s *Session) storeTokens(tokens *tokenSet) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()

	if err := s.cache.save(tokens); err != nil {
		// Persistence failure degrades re-runs, not this session
		s.logger.Warning("Could not persist tokens: %v", err)
	}
}

// Invalidate discards the current token set and its persisted record,
// forcing the next GetValidToken through the full flow.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.tokens = nil
	s.mu.Unlock()
	s.cache.clear()
}

// invalidateAccessToken drops only the access token, keeping the refresh
// token so the next GetValidToken can renew without user interaction. Used
// when the protected resource rejects a token that still looks valid locally.
func (s *Session) invalidateAccessToken() {
	s.mu.Lock()
	if s.tokens != nil {
		s.tokens.AccessToken = ""
		s.tokens.ExpiresAt = time.Time{}
	}
	s.mu.Unlock()
}

// TokenInfo describes the current token state for display purposes.
type TokenInfo struct {
	HasToken        bool
	HasRefreshToken bool
	ExpiresAt       time.Time
}

// TokenInfo returns a snapshot of the session's token state.
func (s *Session) TokenInfo() TokenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens == nil {
		return TokenInfo{}
	}
	return TokenInfo{
		HasToken:        true,
		HasRefreshToken: s.tokens.RefreshToken != "",
		ExpiresAt:       s.tokens.ExpiresAt,
	}
}
