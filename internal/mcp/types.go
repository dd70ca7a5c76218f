// Package mcp implements Model Context Protocol clients over stdio, SSE,
// and direct HTTP transports, speaking JSON-RPC 2.0.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransportKind selects how the client reaches the server.
type TransportKind string

const (
	TransportStdio  TransportKind = "stdio"
	TransportSSE    TransportKind = "sse"
	TransportDirect TransportKind = "direct"
)

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2024-11-05"

// ServerConfig describes one MCP server endpoint.
type ServerConfig struct {
	Label     string        `yaml:"label" json:"label"`
	Name      string        `yaml:"name,omitempty" json:"name,omitempty"`
	Transport TransportKind `yaml:"transport,omitempty" json:"transport,omitempty"`

	// stdio transport
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`

	// sse and direct transports
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// AllowedTools restricts which tools may be invoked on this server.
	// Empty means no restriction.
	AllowedTools []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Validate checks the config for the selected transport and rejects
// obviously unsafe command values.
func (c *ServerConfig) Validate() error {
	if c.Label == "" {
		return fmt.Errorf("server label is required")
	}

	switch c.Kind() {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %s: command is required for stdio transport", c.Label)
		}
		if strings.Contains(c.Command, "..") {
			return fmt.Errorf("server %s: command must not contain path traversal", c.Label)
		}
		if strings.ContainsAny(c.Command, ";|&$`") {
			return fmt.Errorf("server %s: command must not contain shell metacharacters", c.Label)
		}
	case TransportSSE, TransportDirect:
		if c.URL == "" {
			return fmt.Errorf("server %s: url is required for %s transport", c.Label, c.Kind())
		}
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("server %s: url must be http or https", c.Label)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", c.Label, c.Transport)
	}
	return nil
}

// Kind resolves the effective transport, defaulting to stdio when a command
// is set and SSE otherwise.
func (c *ServerConfig) Kind() TransportKind {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	return TransportSSE
}

// BaseURL returns the server URL with a trailing /sse or slash stripped, the
// form the direct transport and the message POST URL are resolved against.
func (c *ServerConfig) BaseURL() string {
	base := strings.TrimSuffix(c.URL, "/")
	base = strings.TrimSuffix(base, "/sse")
	return base
}

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID, no response).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is the error member of a response.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeStreamFailure is pushed onto the inbound channel when the SSE
	// event stream dies, so pending callers unblock.
	CodeStreamFailure = -32000
)

// InitializeParams is the payload for the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies this client during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo     `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Tool describes one tool exposed by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the reply to tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the payload for tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the reply to tools/call.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text concatenates the text blocks of the result.
func (r *CallToolResult) Text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
