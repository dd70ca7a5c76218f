package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// DirectTransport speaks to servers that expose a plain REST surface
// instead of an event stream: each tool call is a POST to
// {base}/tools/{name}, discovery is a GET of {base}/tools. The JSON-RPC
// methods of the Transport contract are translated to those routes.
type DirectTransport struct {
	config    *ServerConfig
	logger    *slog.Logger
	client    *http.Client
	events    chan *JSONRPCNotification
	connected atomic.Bool
}

// NewDirectTransport creates a direct HTTP transport for the given server.
func NewDirectTransport(cfg *ServerConfig) *DirectTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &DirectTransport{
		config: cfg,
		logger: slog.Default().With("mcp_server", cfg.Label, "transport", "direct"),
		client: &http.Client{Timeout: timeout},
		events: make(chan *JSONRPCNotification),
	}
}

// Connect probes the health endpoint and marks the transport ready.
func (t *DirectTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("url is required for direct transport")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.BaseURL()+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: HTTP %d", resp.StatusCode)
	}

	t.connected.Store(true)
	t.logger.Info("direct transport ready", "url", t.config.BaseURL())
	return nil
}

// Close marks the transport disconnected.
func (t *DirectTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call translates the JSON-RPC method to its REST route.
func (t *DirectTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	switch method {
	case "initialize":
		result := InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: t.config.Label},
		}
		return json.Marshal(result)
	case "tools/list":
		return t.getJSON(ctx, t.config.BaseURL()+"/tools")
	case "tools/call":
		callParams, ok := params.(*CallToolParams)
		if !ok {
			return nil, fmt.Errorf("tools/call requires CallToolParams")
		}
		return t.postTool(ctx, callParams)
	default:
		return nil, fmt.Errorf("method %q not supported by direct transport", method)
	}
}

// Notify is a no-op: REST servers have no notification surface.
func (t *DirectTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	return nil
}

// Events returns a channel that never delivers; direct servers do not push.
func (t *DirectTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether Connect has succeeded.
func (t *DirectTransport) Connected() bool {
	return t.connected.Load()
}

func (t *DirectTransport) getJSON(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// postTool POSTs the tool arguments and wraps the JSON reply in the
// standard tools/call result shape.
func (t *DirectTransport) postTool(ctx context.Context, params *CallToolParams) (json.RawMessage, error) {
	body, err := json.Marshal(params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s", t.config.BaseURL(), params.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result := CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: string(respBody)}},
	}
	if resp.StatusCode != http.StatusOK {
		result.IsError = true
		result.Content = []ContentBlock{{
			Type: "text",
			Text: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody)),
		}}
	} else if json.Valid(respBody) {
		result.StructuredContent = respBody
	}
	return json.Marshal(result)
}
