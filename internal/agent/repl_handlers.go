package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// findTool finds a tool by name in the cache
func (r *REPL) findTool(toolName string) *mcp.Tool {
	for _, t := range r.client.Tools() {
		if t.Name == toolName {
			return &t
		}
	}
	return nil
}

// parseToolArgs parses JSON arguments for a tool call
func parseToolArgs(argsStr string, toolName string) (map[string]interface{}, error) {
	if argsStr == "" {
		return nil, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		fmt.Println("Error: Arguments must be valid JSON")
		fmt.Printf("Example: call %s {\"param1\": \"value1\", \"param2\": 123}\n", toolName)
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

// displayToolResultContent displays a single content item from a tool result
func displayToolResultContent(content mcp.Content) {
	if textContent, ok := mcp.AsTextContent(content); ok {
		displayTextContent(textContent.Text)
	} else if imageContent, ok := mcp.AsImageContent(content); ok {
		fmt.Printf("[Image: MIME type %s, %d bytes]\n", imageContent.MIMEType, len(imageContent.Data))
	} else if audioContent, ok := mcp.AsAudioContent(content); ok {
		fmt.Printf("[Audio: MIME type %s, %d bytes]\n", audioContent.MIMEType, len(audioContent.Data))
	}
}

// displayTextContent displays text content, pretty-printing JSON if possible
func displayTextContent(text string) {
	var jsonData interface{}
	if err := json.Unmarshal([]byte(text), &jsonData); err == nil {
		fmt.Println(PrettyJSON(jsonData))
	} else {
		fmt.Println(text)
	}
}

// displayToolResult displays the result of a tool call
func displayToolResult(result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Println("Tool returned an error:")
		for _, content := range result.Content {
			if textContent, ok := mcp.AsTextContent(content); ok {
				fmt.Printf("  %s\n", textContent.Text)
			}
		}
		return
	}

	fmt.Println("Result:")
	for _, content := range result.Content {
		displayToolResultContent(content)
	}
}

// handleCallTool executes a tool with the given arguments
func (r *REPL) handleCallTool(ctx context.Context, toolName string, argsStr string) error {
	if !r.client.ServerSupportsTools() {
		return fmt.Errorf("server does not support tools capability")
	}

	if tool := r.findTool(toolName); tool == nil {
		return fmt.Errorf("tool not found: %s", toolName)
	}

	args, err := parseToolArgs(argsStr, toolName)
	if err != nil {
		return err
	}

	fmt.Printf("Executing tool: %s...\n", toolName)
	result, err := r.client.CallTool(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}

	displayToolResult(result)
	return nil
}

// handleGetResource retrieves and displays a resource
func (r *REPL) handleGetResource(ctx context.Context, uri string) error {
	if !r.client.ServerSupportsResources() {
		return fmt.Errorf("server does not support resources capability")
	}

	var resource *mcp.Resource
	for _, res := range r.client.Resources() {
		if res.URI == uri {
			resource = &res
			break
		}
	}

	if resource == nil {
		return fmt.Errorf("resource not found: %s", uri)
	}

	fmt.Printf("Retrieving resource: %s...\n", uri)
	result, err := r.client.ReadResource(ctx, uri)
	if err != nil {
		return fmt.Errorf("resource retrieval failed: %w", err)
	}

	fmt.Println("Contents:")
	for _, content := range result.Contents {
		if textContent, ok := mcp.AsTextResourceContents(content); ok {
			if resource.MIMEType == "application/json" {
				var jsonData interface{}
				if err := json.Unmarshal([]byte(textContent.Text), &jsonData); err == nil {
					fmt.Println(PrettyJSON(jsonData))
				} else {
					fmt.Println(textContent.Text)
				}
			} else {
				fmt.Println(textContent.Text)
			}
		} else if blobContent, ok := mcp.AsBlobResourceContents(content); ok {
			fmt.Printf("[Binary data: %d bytes]\n", len(blobContent.Blob))
		}
	}

	return nil
}

// handleToken shows the current OAuth token status
func (r *REPL) handleToken() error {
	info := r.client.Session().TokenInfo()

	if !info.HasToken {
		fmt.Println("No access token. One will be obtained on the next request.")
		return nil
	}

	remaining := time.Until(info.ExpiresAt).Round(time.Second)
	if remaining > 0 {
		fmt.Printf("Access token valid, expires at %s (in %s)\n",
			info.ExpiresAt.Format(time.RFC3339), remaining)
	} else {
		fmt.Printf("Access token expired at %s\n", info.ExpiresAt.Format(time.RFC3339))
	}
	if info.HasRefreshToken {
		fmt.Println("Refresh token available: expired tokens renew without a browser.")
	} else {
		fmt.Println("No refresh token: expiry requires a new browser authorization.")
	}
	return nil
}

// handleReauth discards all tokens and runs a fresh authorization
func (r *REPL) handleReauth(ctx context.Context) error {
	session := r.client.Session()
	session.Invalidate()
	fmt.Println("Tokens discarded, re-authenticating...")

	if _, err := session.GetValidToken(ctx); err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	fmt.Println("Re-authentication successful.")
	return nil
}
