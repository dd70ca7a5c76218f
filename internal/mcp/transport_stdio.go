package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// StdioTransport speaks line-delimited JSON-RPC to a child process over its
// standard streams. The session is re-established on the next Connect after
// the child exits.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for the given server.
func NewStdioTransport(cfg *ServerConfig) *StdioTransport {
	return &StdioTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.Label, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect launches the child process and starts the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Load() {
		return nil
	}

	// A previous session may have been torn down; start fresh.
	t.stopChan = make(chan struct{})

	cmd := exec.CommandContext(ctx, t.config.Command, t.config.Args...) // #nosec G204 -- command is validated against metacharacters at config load
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		cmd.Dir = t.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.process = cmd
	t.stdin = stdin
	t.connected.Store(true)
	t.logger.Info("started MCP server process",
		"command", t.config.Command,
		"pid", cmd.Process.Pid)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	t.wg.Add(1)
	go t.readLoop(scanner)

	if stderr != nil {
		t.wg.Add(1)
		go t.relayStderr(stderr)
	}

	return nil
}

// Close terminates the child with a grace period, then kills it.
func (t *StdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)

	t.mu.Lock()
	stdin := t.stdin
	process := t.process
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if process != nil && process.Process != nil {
		_ = process.Process.Signal(os.Interrupt)

		done := make(chan struct{})
		go func() {
			_ = process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = process.Process.Kill()
			<-done
		}
	}

	t.wg.Wait()
	t.failPending(&JSONRPCError{Code: CodeStreamFailure, Message: "transport closed"})
	return nil
}

// Call sends a request and blocks until the correlated response arrives.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

	if err := t.writeLine(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
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

// Notify sends a notification; no response is expected.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
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
	if err := t.writeLine(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Events returns the server-notification channel.
func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether the child process session is live.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin == nil {
		return fmt.Errorf("not connected")
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// readLoop consumes stdout lines until the child exits. Exit invalidates
// the session; the next Connect relaunches.
func (t *StdioTransport) readLoop(scanner *bufio.Scanner) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		t.dispatchLine(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
	t.failPending(&JSONRPCError{Code: CodeStreamFailure, Message: "server process exited"})
}

// dispatchLine routes one JSON-RPC message: responses by ID to the pending
// caller, notifications to the events channel.
func (t *StdioTransport) dispatchLine(line string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
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
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}

// failPending unblocks every in-flight caller with the given error.
func (t *StdioTransport) failPending(rpcErr *JSONRPCError) {
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

func (t *StdioTransport) relayStderr(stderr io.ReadCloser) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}

// numericID coerces a JSON-decoded response ID to int64.
func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
