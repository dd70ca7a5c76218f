package mcp

import (
	"context"
	"encoding/json"
)

// Transport is the wire-level contract all MCP transports satisfy.
// Failures surface as returned errors; transports never panic on I/O.
type Transport interface {
	// Connect establishes the session. Safe to call again after the
	// session has been invalidated.
	Connect(ctx context.Context) error
	// Close tears down the session and stops background goroutines.
	Close() error
	// Call sends a request and waits for the correlated response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a fire-and-forget notification.
	Notify(ctx context.Context, method string, params any) error
	// Events exposes server-initiated notifications.
	Events() <-chan *JSONRPCNotification
	// Connected reports whether the session is usable.
	Connected() bool
}

// NewTransport selects a transport implementation from the config.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Kind() {
	case TransportSSE:
		return NewSSETransport(cfg)
	case TransportDirect:
		return NewDirectTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}
