package agent

import (
	"fmt"
	"io"
	"net/http"
)

// sessionRoundTripper is an HTTP RoundTripper that attaches a valid bearer
// token from the session to every outgoing request. On a 401 response it
// invalidates the session's tokens and retries exactly once with a freshly
// obtained token.
type sessionRoundTripper struct {
	transport http.RoundTripper
	session   *Session
	logger    *Logger
}

// newSessionRoundTripper wraps base with bearer token injection backed by the
// given session.
func newSessionRoundTripper(session *Session, logger *Logger, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &sessionRoundTripper{
		transport: base,
		session:   session,
		logger:    logger,
	}
}

// RoundTrip implements the http.RoundTripper interface.
func (rt *sessionRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := rt.session.GetValidToken(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	resp, err := rt.transport.RoundTrip(rt.authorized(req, token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// The resource rejected the token even though it looked valid locally.
	// Drop the access token (keeping the refresh token) and retry once with
	// a newly acquired one.
	rt.logger.InfoVerbose("Received 401 from %s, re-authenticating", req.URL.Host)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	rt.session.invalidateAccessToken()

	token, err = rt.session.GetValidToken(req.Context())
	if err != nil {
		return nil, fmt.Errorf("re-authentication after 401 failed: %w", err)
	}

	retry := rt.authorized(req, token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body for retry: %w", err)
		}
		retry.Body = body
	}
	return rt.transport.RoundTrip(retry)
}

// authorized clones the request and sets the bearer token, leaving the
// caller's request untouched.
func (rt *sessionRoundTripper) authorized(req *http.Request, token string) *http.Request {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+token)
	return cloned
}
