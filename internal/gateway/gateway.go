// Package gateway republishes a user's aggregated tools as a single MCP
// server over streamable HTTP. Tools are exposed under flat
// {server}__{tool} names, so one MCP connection reaches every running
// server the user owns.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/getsimpletool/mcpo-simple-server/internal/auth"
	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/mcpclient"
	"github.com/getsimpletool/mcpo-simple-server/internal/supervisor"
)

const toolNameDelimiter = "__"

// Gateway builds per-request MCP servers from the supervisor state
type Gateway struct {
	ctrl *supervisor.Controller
}

// New creates the gateway facade
func New(ctrl *supervisor.Controller) *Gateway {
	return &Gateway{ctrl: ctrl}
}

// Handler returns the streamable HTTP endpoint. It must be mounted
// behind authentication: the identity in the request context decides
// which user's tools are published.
func (g *Gateway) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		id := auth.FromContext(r.Context())
		if id == nil {
			return nil
		}
		return g.serverFor(id.Username)
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// serverFor assembles an MCP server holding the user's current flat
// tool catalog. Built per session, so a reconnect observes tool-list
// changes.
func (g *Gateway) serverFor(username string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "mcpo-simple-server",
		Version: "1.0.0",
	}, nil)

	snaps, err := g.ctrl.List(username)
	if err != nil {
		logger.Slog().Error("gateway: cannot list servers", "user", username, "error", err)
		return server
	}

	for _, snap := range snaps {
		if snap.Status != supervisor.StatusRunning.String() {
			continue
		}
		tools, err := g.ctrl.Tools(username, snap.Name)
		if err != nil {
			continue
		}
		for _, tool := range tools {
			g.addTool(server, username, snap.Name, tool)
		}
	}
	return server
}

func (g *Gateway) addTool(server *mcp.Server, username, serverName string, tool mcpclient.Tool) {
	flat := &mcp.Tool{
		Name:        serverName + toolNameDelimiter + tool.Name,
		Description: tool.Description,
	}
	if len(tool.InputSchema) > 0 {
		flat.InputSchema = tool.InputSchema
	}

	toolName := tool.Name
	server.AddTool(flat, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, fmt.Errorf("malformed arguments: %w", err)
			}
		}

		result, err := g.ctrl.CallTool(ctx, username, serverName, toolName, args)
		if err != nil {
			return nil, err
		}
		return toSDKResult(result), nil
	})
}

// toSDKResult converts a proxied tool result into the go-sdk shape
func toSDKResult(result *mcpclient.ToolResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: result.IsError}
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			out.Content = append(out.Content, &mcp.TextContent{Text: block.Text})
		case "image":
			if data, err := base64.StdEncoding.DecodeString(block.Data); err == nil {
				out.Content = append(out.Content, &mcp.ImageContent{Data: data, MIMEType: block.MimeType})
				continue
			}
			fallthrough
		default:
			// Unknown block kinds pass through as their JSON text
			raw, err := json.Marshal(block)
			if err != nil {
				continue
			}
			out.Content = append(out.Content, &mcp.TextContent{Text: string(raw)})
		}
	}
	return out
}
