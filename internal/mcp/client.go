package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ClientVersion is reported to servers during initialize.
var ClientVersion = "dev"

// Client drives one MCP server through a transport: initialize handshake,
// tool discovery, and tool invocation. Tool listings are cached until
// RefreshTools is called.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []Tool
}

// NewClient creates a client for the given server config.
func NewClient(cfg *ServerConfig) *Client {
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    slog.Default().With("mcp_server", cfg.Label),
	}
}

// NewClientWithTransport creates a client on an existing transport.
func NewClientWithTransport(cfg *ServerConfig, transport Transport) *Client {
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    slog.Default().With("mcp_server", cfg.Label),
	}
}

// Connect establishes the transport session and performs the MCP
// initialize handshake, then primes the tool cache.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "agentloop", Version: ClientVersion},
	}
	raw, err := c.transport.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.logger.Info("initialized MCP session",
		"server", result.ServerInfo.Name,
		"protocol", result.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	return c.RefreshTools(ctx)
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports whether the session is usable.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ensureConnected re-establishes the session after the transport has been
// invalidated, for example when a stdio child process exited.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.transport.Connected() {
		return nil
	}
	c.logger.Info("session invalidated, reconnecting")
	return c.Connect(ctx)
}

// RefreshTools re-queries tools/list and replaces the cache.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Debug("refreshed tool list", "count", len(result.Tools))
	return nil
}

// Tools returns the cached tool listing.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// ToolNames returns the cached tool names as a set.
func (c *Client) ToolNames() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make(map[string]bool, len(c.tools))
	for _, tool := range c.tools {
		names[tool.Name] = true
	}
	return names
}

// CallTool invokes a tool by name. Server-level allowed_tools restrictions
// are enforced here; failures come back as errors, not panics.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if len(c.config.AllowedTools) > 0 {
		allowed := false
		for _, t := range c.config.AllowedTools {
			if t == name {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("tool %q not allowed on server %s", name, c.config.Label)
		}
	}

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	params := &CallToolParams{Name: name, Arguments: args}
	raw, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &result, nil
}
