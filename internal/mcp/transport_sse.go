package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cephiq/agentloop/internal/backoff"
)

const (
	sseConnectAttempts = 4
	// endpointWait bounds how long Connect waits for the server to announce
	// the message POST path in its first SSE event.
	endpointWait = 10 * time.Second
	// senderTimeout applies to message POSTs. The event stream itself has
	// no overall timeout: events may arrive minutes apart.
	senderTimeout = 30 * time.Second
)

// SSETransport bridges a one-way server-sent-events stream into a duplex
// JSON-RPC session. The server announces a session-specific POST path in
// its first event; outgoing messages are POSTed there while a long-lived
// reader goroutine forwards inbound events to the pending callers.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger

	sender *http.Client
	stream *http.Client

	endpoint     string
	cancelStream context.CancelFunc

	outbound chan []byte
	events   chan *JSONRPCNotification

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSSETransport creates an SSE transport for the given server.
func NewSSETransport(cfg *ServerConfig) *SSETransport {
	return &SSETransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.Label, "transport", "sse"),
		sender:   &http.Client{Timeout: senderTimeout},
		stream:   &http.Client{},
		outbound: make(chan []byte, 100),
		events:   make(chan *JSONRPCNotification, 100),
		pending:  make(map[int64]chan *JSONRPCResponse),
		stopChan: make(chan struct{}),
	}
}

// Connect opens the event stream, waits for the endpoint rendezvous, and
// starts the reader and sender goroutines. Connection attempts retry on
// the 200ms/500ms/1.25s/2s schedule.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("url is required for sse transport")
	}
	if t.connected.Load() {
		return nil
	}

	_, err := backoff.Retry(ctx, backoff.ConnectPolicy(), sseConnectAttempts,
		func(attempt int) (struct{}, error) {
			if err := t.open(ctx); err != nil {
				t.logger.Warn("sse connect failed", "attempt", attempt, "error", err)
				return struct{}{}, err
			}
			return struct{}{}, nil
		})
	if err != nil {
		return fmt.Errorf("connect sse %s: %w", t.config.URL, err)
	}
	return nil
}

// open performs a single connection attempt.
func (t *SSETransport) open(ctx context.Context) error {
	// The stream must outlive the Connect call's context.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.stream.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
	}

	// One-shot rendezvous: the reader signals once the endpoint event has
	// been seen, then keeps running as the inbound pump.
	ready := make(chan string, 1)
	t.stopChan = make(chan struct{})
	t.stopOnce = sync.Once{}
	t.cancelStream = cancel

	stop := t.stopChan
	t.wg.Add(1)
	go t.readLoop(resp.Body, ready, stop)

	select {
	case path := <-ready:
		endpoint, err := t.resolveEndpoint(path)
		if err != nil {
			t.teardownStream()
			return err
		}
		t.endpoint = endpoint
		t.logger.Info("sse session established", "endpoint", endpoint)
	case <-time.After(endpointWait):
		t.teardownStream()
		return fmt.Errorf("no endpoint event within %v", endpointWait)
	case <-ctx.Done():
		t.teardownStream()
		return ctx.Err()
	}

	t.connected.Store(true)
	t.wg.Add(1)
	go t.sendLoop(stop)
	return nil
}

// Close tears down both sides of the bridge.
func (t *SSETransport) Close() error {
	t.connected.Store(false)
	t.teardownStream()
	t.wg.Wait()
	t.failPending(&JSONRPCError{Code: CodeStreamFailure, Message: "transport closed"})
	return nil
}

func (t *SSETransport) teardownStream() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	if t.cancelStream != nil {
		t.cancelStream()
	}
}

// Call sends a request through the outbound channel and waits for the
// correlated response from the event stream.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := t.enqueue(ctx, data); err != nil {
		return nil, err
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = senderTimeout
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a fire-and-forget notification.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return t.enqueue(ctx, data)
}

// Events returns the server-notification channel.
func (t *SSETransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether the bridge is live.
func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

func (t *SSETransport) enqueue(ctx context.Context, data []byte) error {
	select {
	case t.outbound <- data:
		return nil
	case <-t.stopChan:
		return fmt.Errorf("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendLoop is the sole consumer of the outbound channel. Each message is
// POSTed to the announced endpoint; 202 Accepted is the expected success.
func (t *SSETransport) sendLoop(stop <-chan struct{}) {
	defer t.wg.Done()

	for {
		select {
		case <-stop:
			return
		case data := <-t.outbound:
			req, err := http.NewRequest(http.MethodPost, t.endpoint, strings.NewReader(string(data)))
			if err != nil {
				t.logger.Error("build message post", "error", err)
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range t.config.Headers {
				req.Header.Set(k, v)
			}

			resp, err := t.sender.Do(req)
			if err != nil {
				t.logger.Warn("message post failed", "error", err)
				continue
			}
			if resp.StatusCode != http.StatusAccepted {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				t.logger.Warn("message post rejected",
					"status", resp.StatusCode,
					"body", string(body))
			}
			resp.Body.Close()
		}
	}
}

// readLoop is the sole producer on the inbound side. It parses SSE events:
// the first endpoint event is delivered through ready, message events are
// routed to pending callers or the notification channel. A fatal read
// error synthesizes a -32000 response so pending callers unblock.
func (t *SSETransport) readLoop(body io.ReadCloser, ready chan<- string, stop <-chan struct{}) {
	defer t.wg.Done()
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	endpointSeen := false
	var eventName, eventData string

	for scanner.Scan() {
		select {
		case <-stop:
			return
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventData != "" {
				eventData += "\n"
			}
			eventData += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if eventData != "" {
				name := eventName
				if name == "" {
					name = "message"
				}
				if name == "endpoint" && !endpointSeen {
					endpointSeen = true
					ready <- eventData
				} else if name == "message" {
					t.dispatchInbound(eventData)
				}
			}
			eventName, eventData = "", ""
		}
	}

	select {
	case <-stop:
		// Clean shutdown.
	default:
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		t.logger.Error("event stream failed", "error", err)
		t.connected.Store(false)
		t.failPending(&JSONRPCError{Code: CodeStreamFailure, Message: err.Error()})
	}
}

// dispatchInbound routes one JSON-RPC payload from the event stream.
func (t *SSETransport) dispatchInbound(data string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(data), &resp); err == nil && resp.ID != nil &&
		(resp.Result != nil || resp.Error != nil) {
		id, ok := numericID(resp.ID)
		if !ok {
			t.logger.Warn("unexpected response ID type", "id", resp.ID)
			return
		}
		t.pendingMu.Lock()
		if ch, exists := t.pending[id]; exists {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal([]byte(data), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}

// failPending unblocks every in-flight caller with the given error.
func (t *SSETransport) failPending(rpcErr *JSONRPCError) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}:
		default:
		}
		delete(t.pending, id)
	}
}

// resolveEndpoint turns the announced POST path into an absolute URL on
// the same host as the event stream.
func (t *SSETransport) resolveEndpoint(path string) (string, error) {
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("parse endpoint path %q: %w", path, err)
	}
	return base.ResolveReference(ref).String(), nil
}
