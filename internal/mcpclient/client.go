// Package mcpclient speaks the MCP protocol to a child server over a
// JSON-RPC transport: the initialize handshake, tool discovery and
// tool invocation.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
)

const protocolVersion = "2025-03-26"

// Transport is the JSON-RPC surface the client needs. *mcpproc.Handle
// satisfies it.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
}

// Tool is one entry from the server's tools/list
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo is the identity the server reports during initialize
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ContentBlock is one element of a tool result's content array
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the outcome of tools/call. IsError marks a tool-level
// failure reported inside a successful JSON-RPC response.
type ToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// ArgumentError reports tool arguments that failed schema validation
// before anything was sent to the child.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// Client wraps a transport with MCP semantics and a tool cache
type Client struct {
	transport Transport

	mu      sync.RWMutex
	info    ServerInfo
	tools   []Tool
	schemas map[string]*jsonschema.Resolved
}

// New creates a client over an established transport. Handshake must be
// called before tool operations.
func New(t Transport) *Client {
	return &Client{
		transport: t,
		schemas:   make(map[string]*jsonschema.Resolved),
	}
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ServerInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// Handshake performs the MCP startup sequence: initialize, the
// initialized notification, then the first tools/list. Any failure means
// the server never becomes usable.
func (c *Client) Handshake(ctx context.Context) (ServerInfo, []Tool, error) {
	raw, err := c.transport.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ServerInfo{Name: "mcpo-simple-server", Version: "1.0.0"},
	})
	if err != nil {
		return ServerInfo{}, nil, fmt.Errorf("initialize: %w", err)
	}

	var initRes initializeResult
	if err := json.Unmarshal(raw, &initRes); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("initialize: malformed result: %w", err)
	}

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("initialized notification: %w", err)
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		return ServerInfo{}, nil, fmt.Errorf("tools/list: %w", err)
	}

	c.mu.Lock()
	c.info = initRes.ServerInfo
	c.setToolsLocked(tools)
	c.mu.Unlock()

	return initRes.ServerInfo, tools, nil
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// listTools walks tools/list pagination to exhaustion
func (c *Client) listTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = listToolsParams{Cursor: cursor}
		} else {
			params = listToolsParams{}
		}
		raw, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("malformed tools/list result: %w", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// RefreshTools rediscovers the tool list, replacing the cache. Called
// after the server announces notifications/tools/list_changed.
func (c *Client) RefreshTools(ctx context.Context) ([]Tool, error) {
	tools, err := c.listTools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.setToolsLocked(tools)
	c.mu.Unlock()
	return tools, nil
}

// setToolsLocked replaces the tool cache and recompiles input schemas.
// A schema that fails to compile disables validation for that tool only.
func (c *Client) setToolsLocked(tools []Tool) {
	c.tools = tools
	c.schemas = make(map[string]*jsonschema.Resolved, len(tools))
	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		var schema jsonschema.Schema
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			logger.Slog().Warn("unparseable tool input schema", "tool", tool.Name, "error", err)
			continue
		}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			logger.Slog().Warn("unresolvable tool input schema", "tool", tool.Name, "error", err)
			continue
		}
		c.schemas[tool.Name] = resolved
	}
}

// Tools returns a copy of the cached tool list
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Tool looks up a cached tool by name
func (c *Client) Tool(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Info returns the server identity captured during Handshake
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallTool validates args against the tool's cached input schema and
// invokes tools/call. Arguments may be nil for tools with no parameters.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	c.mu.RLock()
	resolved := c.schemas[name]
	c.mu.RUnlock()

	if resolved != nil {
		candidate := any(args)
		if args == nil {
			candidate = map[string]any{}
		}
		if err := resolved.Validate(candidate); err != nil {
			return nil, &ArgumentError{Tool: name, Err: err}
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/call result: %w", err)
	}
	return &result, nil
}
