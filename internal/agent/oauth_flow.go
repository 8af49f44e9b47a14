// Authorization-code flow coordinator: builds the authorization URL, runs the
// local redirect-capturing listener, validates the returned state, and
// exchanges the code for tokens.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/browser"
)

// flowState tracks the coordinator's progress through the authorization flow.
type flowState int

const (
	flowStateInit flowState = iota
	flowStateDiscovering
	flowStateServerSelected
	flowStateRegistering
	flowStateRegistered
	flowStateAwaitingRedirect
	flowStateCodeReceived
	flowStateTokenExchanged
)

// String returns the state name for logging.
func (s flowState) String() string {
	switch s {
	case flowStateInit:
		return "init"
	case flowStateDiscovering:
		return "discovering"
	case flowStateServerSelected:
		return "server-selected"
	case flowStateRegistering:
		return "registering"
	case flowStateRegistered:
		return "registered"
	case flowStateAwaitingRedirect:
		return "awaiting-redirect"
	case flowStateCodeReceived:
		return "code-received"
	case flowStateTokenExchanged:
		return "token-exchanged"
	default:
		return "unknown"
	}
}

// callbackResult is the one-shot handoff from the redirect listener to the
// waiting coordinator: either an authorization code with its echoed state, or
// the server's error response.
type callbackResult struct {
	code  string
	state string
	err   error
}

// flowCoordinator runs one authorization attempt end to end. A coordinator is
// single-use: PKCE parameters and the CSRF state are generated for one
// attempt and never reused.
type flowCoordinator struct {
	resource   string
	cfg        *OAuthConfig
	logger     *Logger
	httpClient *http.Client

	state        flowState
	pkce         *pkceParams
	csrfState    string
	metadata     *AuthorizationServerMetadata
	registration *clientRegistration
}

// newFlowCoordinator prepares a coordinator with fresh PKCE and state
// parameters for a single authorization attempt against resource.
func newFlowCoordinator(resource string, cfg *OAuthConfig, logger *Logger) (*flowCoordinator, error) {
	pkce, err := generatePKCE()
	if err != nil {
		return nil, err
	}

	csrfState, err := generateState()
	if err != nil {
		return nil, err
	}

	return &flowCoordinator{
		resource:   resource,
		cfg:        cfg,
		logger:     logger,
		httpClient: newMetadataHTTPClient(),
		state:      flowStateInit,
		pkce:       pkce,
		csrfState:  csrfState,
	}, nil
}

func (f *flowCoordinator) transition(next flowState) {
	f.logger.Debug("OAuth flow: %s -> %s", f.state, next)
	f.state = next
}

// run executes the complete flow: discovery, registration, interactive
// authorization, and token exchange.
func (f *flowCoordinator) run(ctx context.Context) (*tokenSet, error) {
	f.logger.Info("Starting MCP OAuth flow with server discovery...")

	if err := f.discoverServer(ctx); err != nil {
		return nil, err
	}

	if err := f.register(ctx); err != nil {
		return nil, err
	}

	return f.authorize(ctx)
}

// discoverServer locates candidate authorization servers for the resource
// and selects the first one with usable metadata.
func (f *flowCoordinator) discoverServer(ctx context.Context) error {
	f.transition(flowStateDiscovering)

	discoverer := newServerDiscoverer(f.cfg, f.logger)
	servers, err := discoverer.discover(ctx, f.resource)
	if err != nil {
		return err
	}
	f.logger.Info("Found authorization servers: %v", servers)

	for _, server := range servers {
		metadata, err := discoverASMetadata(ctx, f.httpClient, server, f.logger)
		if err != nil {
			f.logger.WarningVerbose("Failed to discover metadata for %s: %v", server, err)
			continue
		}
		f.metadata = metadata
		f.transition(flowStateServerSelected)
		f.logger.Success("Using authorization server: %s", server)
		return nil
	}

	return &DiscoveryError{Resource: f.resource, Err: fmt.Errorf("could not discover metadata for any of %d authorization servers", len(servers))}
}

// register obtains client credentials, preferring Dynamic Client Registration
// and falling back to externally supplied credentials on any registration
// failure, including transport errors reaching the endpoint. Only the absence
// of fallback credentials is fatal.
func (f *flowCoordinator) register(ctx context.Context) error {
	f.transition(flowStateRegistering)

	registration, err := registerClient(ctx, f.httpClient, f.metadata, f.cfg, f.logger)
	if err != nil {
		f.logger.Warning("Dynamic client registration failed: %v", err)
		registration, err = fallbackRegistration(f.cfg, f.logger)
		if err != nil {
			return err
		}
	}

	f.registration = registration
	f.transition(flowStateRegistered)
	return nil
}

// buildAuthorizationURL constructs the authorization request URL with the
// fixed MCP parameter set. The resource parameter carries the session's
// resource identifier byte-for-byte; no scope parameter is sent.
func (f *flowCoordinator) buildAuthorizationURL() string {
	params := url.Values{}
	params.Set("response_type", responseTypeCode)
	params.Set("client_id", f.registration.ClientID)
	params.Set("redirect_uri", f.cfg.RedirectURL)
	params.Set("code_challenge", f.pkce.Challenge)
	params.Set("code_challenge_method", f.pkce.Method)
	params.Set("resource", f.resource)
	params.Set("state", f.csrfState)

	return f.metadata.AuthorizationEndpoint + "?" + params.Encode()
}

// authorize opens the browser, captures the redirect on a local listener, and
// exchanges the returned code for tokens.
func (f *flowCoordinator) authorize(ctx context.Context) (*tokenSet, error) {
	redirectURL, err := url.Parse(f.cfg.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}

	callbackChan := make(chan callbackResult, 1)
	errChan := make(chan error, 1)

	// Isolated ServeMux to avoid conflicts with the global default mux.
	mux := http.NewServeMux()
	mux.HandleFunc(redirectURL.Path, func(w http.ResponseWriter, r *http.Request) {
		// Only GET is valid for OAuth redirect callbacks
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()

		if errCode := query.Get("error"); errCode != "" {
			desc := query.Get("error_description")
			if desc == "" {
				desc = "Unknown error"
			}
			select {
			case callbackChan <- callbackResult{err: &AuthDeniedError{Code: errCode, Description: desc}}:
			default:
			}
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p><p>Check the console for more details.</p></body></html>", errCode)
			return
		}

		if code := query.Get("code"); code != "" {
			select {
			case callbackChan <- callbackResult{code: code, state: query.Get("state")}:
			default:
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>`))
			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`<html><body><h1>Invalid callback</h1><p>No authorization code or error found in callback.</p></body></html>`))
	})

	server := &http.Server{
		Addr:         redirectURL.Host,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("callback server error: %w", err)
		}
	}()
	// Stop accepting connections regardless of outcome
	defer func() { _ = server.Shutdown(context.Background()) }()

	authURL := f.buildAuthorizationURL()
	f.transition(flowStateAwaitingRedirect)

	f.logger.Info("Opening browser for authorization...")
	f.logger.Info("Authorization URL: %s", authURL)
	if err := browser.OpenURL(authURL); err != nil {
		// Non-fatal: the user can copy the URL from the console
		f.logger.Warning("Could not open browser automatically: %v", err)
		f.logger.Info("Please open the URL above in your browser")
	}

	f.logger.Info("Waiting for authorization callback...")
	var result callbackResult
	select {
	case result = <-callbackChan:
	case err := <-errChan:
		return nil, err
	case <-time.After(f.cfg.AuthorizationTimeout):
		return nil, errAuthorizationTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if result.err != nil {
		return nil, result.err
	}

	// CSRF defense: the echoed state must match exactly. Abort before any
	// token exchange on mismatch.
	if result.state != f.csrfState {
		return nil, errStateMismatch
	}
	f.transition(flowStateCodeReceived)

	f.logger.Success("Authorization code received")
	f.logger.Info("Exchanging code for access token...")

	tokens, err := exchangeAuthorizationCode(ctx, f.httpClient, f.metadata.TokenEndpoint, f.registration, result.code, f.pkce.Verifier, f.cfg.RedirectURL, f.resource)
	if err != nil {
		return nil, err
	}
	f.transition(flowStateTokenExchanged)

	f.logger.Success("Successfully obtained access token!")
	return tokens, nil
}
