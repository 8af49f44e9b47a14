package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Client is an MCP client for a Datadog MCP server. All HTTP traffic to the
// server carries a bearer token managed by the OAuth session; expired or
// rejected tokens are renewed transparently.
type Client struct {
	endpoint           string
	logger             *Logger
	session            *Session
	client             *client.Client
	toolCache          []mcp.Tool
	resourceCache      []mcp.Resource
	mu                 sync.RWMutex
	notificationChan   chan mcp.JSONRPCNotification
	serverCapabilities *mcp.ServerCapabilities
	version            string
}

// ClientConfig holds configuration for creating a new Client
type ClientConfig struct {
	Endpoint string
	Logger   *Logger
	Session  *Session
	Version  string
}

// NewClient creates a new client from a configuration
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		endpoint:         cfg.Endpoint,
		logger:           cfg.Logger,
		session:          cfg.Session,
		toolCache:        []mcp.Tool{},
		resourceCache:    []mcp.Resource{},
		notificationChan: make(chan mcp.JSONRPCNotification, 10),
		version:          cfg.Version,
	}
}

// Session returns the OAuth session backing this client.
func (c *Client) Session() *Session {
	return c.session
}

// Run connects to the server and performs the protocol handshake
func (c *Client) Run(ctx context.Context) error {
	return c.connectAndInitialize(ctx)
}

func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("Attempting to reconnect to MCP server...")
	if c.client != nil {
		c.client.Close()
	}
	return c.connectAndInitialize(ctx)
}

// Close shuts down the underlying MCP connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) connectAndInitialize(ctx context.Context) error {
	c.logger.Info("Connecting to MCP server at %s...", c.endpoint)

	// All requests go through the session round tripper, which injects the
	// bearer token and re-authenticates once on 401.
	httpClient := &http.Client{
		Transport: newSessionRoundTripper(c.session, c.logger, http.DefaultTransport),
	}

	mcpClient, err := client.NewStreamableHttpClient(c.endpoint,
		transport.WithHTTPBasicClient(httpClient))
	if err != nil {
		return fmt.Errorf("failed to create streamable HTTP client: %w", err)
	}
	c.client = mcpClient

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	mcpClient.OnNotification(func(notification mcp.JSONRPCNotification) {
		select {
		case c.notificationChan <- notification:
		case <-ctx.Done():
		}
	})

	if err := c.initialize(ctx); err != nil {
		return err
	}

	if c.ServerSupportsTools() {
		if err := c.listTools(ctx, true); err != nil {
			return fmt.Errorf("initial tool listing failed: %w", err)
		}
	} else {
		c.logger.Info("Server does not support tools capability")
	}

	if c.ServerSupportsResources() {
		if err := c.listResources(ctx, true); err != nil {
			return fmt.Errorf("initial resource listing failed: %w", err)
		}
	} else {
		c.logger.Info("Server does not support resources capability")
	}

	return nil
}

func (c *Client) Listen(ctx context.Context) error {
	c.logger.Info("Waiting for notifications (press Ctrl+C to exit)...")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutting down...")
			return nil

		case notification := <-c.notificationChan:
			if err := c.handleNotification(ctx, notification); err != nil {
				c.logger.Error("Failed to handle notification: %v", err)
			}
		}
	}
}

// initialize performs the MCP protocol handshake
func (c *Client) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "datadog-mcp",
				Version: c.version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}

	c.logger.Request("initialize", req.Params)

	result, err := c.client.Initialize(ctx, req)
	if err != nil {
		c.logger.Error("Initialize failed: %v", err)
		return err
	}

	c.logger.Response("initialize", result)

	c.mu.Lock()
	c.serverCapabilities = &result.Capabilities
	c.mu.Unlock()

	c.logger.Success("Connected to %s (%s)", result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// listTools lists all available tools
func (c *Client) listTools(ctx context.Context, initial bool) error {
	req := mcp.ListToolsRequest{}

	c.logger.Request("tools/list", req.Params)

	result, err := c.client.ListTools(ctx, req)
	if err != nil {
		c.logger.Error("ListTools failed: %v", err)
		return err
	}

	c.logger.Response("tools/list", result)

	if !initial {
		c.mu.RLock()
		oldTools := c.toolCache
		c.mu.RUnlock()

		c.mu.Lock()
		c.toolCache = result.Tools
		c.mu.Unlock()

		c.showToolDiff(oldTools, result.Tools)
	} else {
		c.mu.Lock()
		c.toolCache = result.Tools
		c.mu.Unlock()
	}

	return nil
}

// listResources lists all available resources
func (c *Client) listResources(ctx context.Context, initial bool) error {
	req := mcp.ListResourcesRequest{}

	c.logger.Request("resources/list", req.Params)

	result, err := c.client.ListResources(ctx, req)
	if err != nil {
		c.logger.Error("ListResources failed: %v", err)
		return err
	}

	c.logger.Response("resources/list", result)

	if !initial {
		c.mu.RLock()
		oldResources := c.resourceCache
		c.mu.RUnlock()

		c.mu.Lock()
		c.resourceCache = result.Resources
		c.mu.Unlock()

		c.showResourceDiff(oldResources, result.Resources)
	} else {
		c.mu.Lock()
		c.resourceCache = result.Resources
		c.mu.Unlock()
	}

	return nil
}

// Tools returns the cached tool list from the last listing.
func (c *Client) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.toolCache
}

// Resources returns the cached resource list from the last listing.
func (c *Client) Resources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resourceCache
}

// RefreshTools re-fetches the tool list from the server, reconnecting once
// on a lost connection.
func (c *Client) RefreshTools(ctx context.Context) error {
	return c.callWithReconnect(ctx, "tool listing", func() error {
		return c.listTools(ctx, false)
	})
}

// RefreshResources re-fetches the resource list from the server, reconnecting
// once on a lost connection.
func (c *Client) RefreshResources(ctx context.Context) error {
	return c.callWithReconnect(ctx, "resource listing", func() error {
		return c.listResources(ctx, false)
	})
}

// callWithReconnect runs attempt, and when the failure looks like a lost
// connection it reconnects and retries exactly once. A failed reconnect ends
// the attempt; errors that are not transport-level pass through untouched.
func (c *Client) callWithReconnect(ctx context.Context, what string, attempt func() error) error {
	const maxRetries = 1

	var err error
	for i := 0; i <= maxRetries; i++ {
		err = attempt()
		if err == nil {
			return nil
		}

		if shouldReconnect(err) && i < maxRetries {
			c.logger.Error("Connection lost during %s. Attempting to reconnect...", what)
			if reconnErr := c.Reconnect(ctx); reconnErr != nil {
				return fmt.Errorf("failed to reconnect: %w", reconnErr)
			}
			c.logger.Info("Reconnected successfully. Retrying %s...", what)
			continue
		}
		break
	}
	return err
}

// CallTool invokes a tool by name with the given arguments
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	c.logger.Request("tools/call", req.Params)

	var result *mcp.CallToolResult
	err := c.callWithReconnect(ctx, "tool call", func() error {
		var callErr error
		result, callErr = c.client.CallTool(ctx, req)
		return callErr
	})
	if err != nil {
		c.logger.Error("CallTool %q failed: %v", name, err)
		return nil, err
	}

	c.logger.Response("tools/call", result)
	return result, nil
}

// ReadResource reads a resource by URI
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	c.logger.Request("resources/read", req.Params)

	var result *mcp.ReadResourceResult
	err := c.callWithReconnect(ctx, "resource fetch", func() error {
		var readErr error
		result, readErr = c.client.ReadResource(ctx, req)
		return readErr
	})
	if err != nil {
		c.logger.Error("ReadResource %q failed: %v", uri, err)
		return nil, err
	}

	c.logger.Response("resources/read", result)
	return result, nil
}

// handleNotification processes incoming notifications
func (c *Client) handleNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	c.logger.Notification(notification.Method, notification.Params)

	switch notification.Method {
	case notificationToolsListChanged:
		if c.ServerSupportsTools() {
			return c.RefreshTools(ctx)
		}

	case notificationResourcesListChanged:
		if c.ServerSupportsResources() {
			return c.RefreshResources(ctx)
		}

	default:
		// Unknown notification type
	}

	return nil
}

// showToolDiff displays the differences between old and new tool lists
func (c *Client) showToolDiff(oldTools, newTools []mcp.Tool) {
	oldMap := make(map[string]mcp.Tool)
	for _, tool := range oldTools {
		oldMap[tool.Name] = tool
	}

	newMap := make(map[string]mcp.Tool)
	for _, tool := range newTools {
		newMap[tool.Name] = tool
	}

	var added []string
	var removed []string
	var unchanged []string

	for name := range newMap {
		if _, exists := oldMap[name]; exists {
			unchanged = append(unchanged, name)
		} else {
			added = append(added, name)
		}
	}

	for name := range oldMap {
		if _, exists := newMap[name]; !exists {
			removed = append(removed, name)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		c.logger.Info("Tool changes detected:")
		for _, name := range unchanged {
			c.logger.Success("  ✓ Unchanged: %s", name)
		}
		for _, name := range added {
			c.logger.Success("  + Added: %s", name)
		}
		for _, name := range removed {
			c.logger.Error("  - Removed: %s", name)
		}
	} else {
		c.logger.Info("No tool changes detected")
	}
}

// showResourceDiff displays the differences between old and new resource lists
func (c *Client) showResourceDiff(oldResources, newResources []mcp.Resource) {
	oldMap := make(map[string]mcp.Resource)
	for _, resource := range oldResources {
		oldMap[resource.URI] = resource
	}

	newMap := make(map[string]mcp.Resource)
	for _, resource := range newResources {
		newMap[resource.URI] = resource
	}

	var added []string
	var removed []string
	var unchanged []string

	for uri := range newMap {
		if _, exists := oldMap[uri]; exists {
			unchanged = append(unchanged, uri)
		} else {
			added = append(added, uri)
		}
	}

	for uri := range oldMap {
		if _, exists := newMap[uri]; !exists {
			removed = append(removed, uri)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		c.logger.Info("Resource changes detected:")
		for _, uri := range unchanged {
			c.logger.Success("  ✓ Unchanged: %s", uri)
		}
		for _, uri := range added {
			c.logger.Success("  + Added: %s", uri)
		}
		for _, uri := range removed {
			c.logger.Error("  - Removed: %s", uri)
		}
	} else {
		c.logger.Info("No resource changes detected")
	}
}

// PrettyJSON pretty-prints JSON for logging
func PrettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

// Helper methods to check server capabilities
func (c *Client) ServerSupportsTools() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities != nil && c.serverCapabilities.Tools != nil
}

func (c *Client) ServerSupportsResources() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities != nil && c.serverCapabilities.Resources != nil
}

func shouldReconnect(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "transport is closing") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "unexpected eof") {
		return true
	}

	return false
}
