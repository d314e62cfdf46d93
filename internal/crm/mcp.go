package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/leadbot/internal/config"
	"github.com/comigor/leadbot/internal/logger"
)

// MCPClientInterface defines the methods the catalogue lookup expects from an MCP client.
type MCPClientInterface interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPPropertyLookup resolves properties by calling a search tool on a remote MCP server.
type MCPPropertyLookup struct {
	client MCPClientInterface
	tool   string
}

// NewMCPPropertyLookup wraps an already initialised MCP client.
func NewMCPPropertyLookup(c MCPClientInterface, tool string) *MCPPropertyLookup {
	if tool == "" {
		tool = "search_properties"
	}
	return &MCPPropertyLookup{client: c, tool: tool}
}

// DialMCPPropertyLookup connects to the configured MCP server and performs the handshake.
func DialMCPPropertyLookup(ctx context.Context, cfg config.PropertyLookupConfig) (*MCPPropertyLookup, error) {
	serverCfg := cfg.MCP
	var (
		mcpC *client.Client
		err  error
	)
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(serverCfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(serverCfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		mcpC, err = client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	default:
		return nil, fmt.Errorf("unsupported MCP server type %q", serverCfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create MCP client %s: %w", serverCfg.Name, err)
	}

	// stdio clients are started by their constructor
	if serverCfg.Type != config.ClientTypeStdio {
		if err := mcpC.Start(ctx); err != nil {
			if cerr := mcpC.Close(); cerr != nil {
				logger.L.Warn("MCP client close error after start failure", "error", cerr)
			}
			return nil, fmt.Errorf("start MCP client %s: %w", serverCfg.Name, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "leadbot", Version: "1.0.0"}
	if _, err := mcpC.Initialize(ctx, initReq); err != nil {
		if cerr := mcpC.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after init failure", "error", cerr)
		}
		return nil, fmt.Errorf("initialize MCP client %s: %w", serverCfg.Name, err)
	}
	logger.L.Info("property catalogue MCP server initialized", "name", serverCfg.Name, "tool", cfg.Tool)
	return NewMCPPropertyLookup(mcpC, cfg.Tool), nil
}

// Search calls the tool with the filter as arguments and decodes a JSON
// array of properties from the first text content block.
func (l *MCPPropertyLookup) Search(ctx context.Context, f PropertyFilter) ([]Property, error) {
	args := map[string]any{}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = l.tool
	req.Params.Arguments = args

	res, err := l.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", l.tool, err)
	}
	if res == nil {
		return nil, fmt.Errorf("call %s: empty result", l.tool)
	}

	text := ""
	for _, item := range res.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}
	if res.IsError {
		if text == "" {
			text = "tool reported an error without text"
		}
		return nil, fmt.Errorf("call %s: %s", l.tool, text)
	}
	if text == "" {
		return nil, nil
	}

	var props []Property
	if err := json.Unmarshal([]byte(text), &props); err != nil {
		var single Property
		if err2 := json.Unmarshal([]byte(text), &single); err2 != nil {
			return nil, fmt.Errorf("decode %s result: %w", l.tool, errors.Join(err, err2))
		}
		props = []Property{single}
	}
	return props, nil
}

// Close shuts the MCP client down.
func (l *MCPPropertyLookup) Close() error {
	return l.client.Close()
}
