package agent

// URL scheme and host constants for validation.
const (
	schemeHTTPS  = "https"
	schemeHTTP   = "http"
	hostLocal    = "localhost"
	hostLoopback = "127.0.0.1"
)

// PKCE code challenge method constant.
const pkceMethodS256 = "S256"

// OAuth grant and response type constants.
const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	responseTypeCode       = "code"
)

// userAgent identifies this client in outbound HTTP requests.
const userAgent = "datadog-mcp/1.0"

// MCP list-changed notification methods.
const (
	notificationToolsListChanged     = "notifications/tools/list_changed"
	notificationResourcesListChanged = "notifications/resources/list_changed"
)
