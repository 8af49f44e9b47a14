// Package agent provides the Datadog MCP client implementation.
//
// The package is centered on an autonomous OAuth 2.1 authenticator for MCP
// servers: given only the protected server's URL it discovers the
// authorization server, registers itself as an OAuth client, runs an
// interactive authorization-code-with-PKCE flow, and keeps the resulting
// access token valid across calls through transparent refresh and
// re-authorization.
//
// # OAuth 2.1 Support
//
// The authenticator implements the MCP authorization specification with
// support for:
//   - RFC 8707: Resource Indicators for OAuth 2.0
//   - RFC 9728: Protected Resource Metadata Discovery
//   - RFC 8414: Authorization Server Metadata Discovery
//   - RFC 7591: Dynamic Client Registration
//   - PKCE (S256) with mandatory state-parameter CSRF protection
//   - Multi-endpoint discovery probing (OAuth 2.0 and OIDC) with
//     Datadog-convention fallbacks when standards-based discovery fails
//
// # Key Components
//
//   - Session: the facade owning the token lifecycle; its GetValidToken is
//     the single operation everything else consumes
//   - Client: connects to the MCP server over streamable HTTP and attaches
//     bearer credentials obtained from the Session
//   - OAuthConfig: explicit configuration for the OAuth flow
//   - REPL: interactive exploration of the authenticated MCP server
//   - Logger: formatted logging with color support and JSON-RPC tracing
package agent
