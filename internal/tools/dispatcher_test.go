package tools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cephiq/agentloop/internal/envelope"
)

// recordingBackend captures canonical names and remapped arguments.
type recordingBackend struct {
	mu       sync.Mutex
	calls    []string
	lastArgs map[string]any
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (r *recordingBackend) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	current := r.inflight.Add(1)
	for {
		peak := r.peak.Load()
		if current <= peak || r.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	defer r.inflight.Add(-1)

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, tool)
	r.lastArgs = args
	r.mu.Unlock()
	return map[string]any{"success": true, "tool": tool}, nil
}

func call(id, tool string, args map[string]any) envelope.ToolRequest {
	if args == nil {
		args = map[string]any{}
	}
	return envelope.ToolRequest{ToolID: id, Tool: tool, Arguments: args}
}

func TestDispatcherAliasing(t *testing.T) {
	backend := &recordingBackend{}
	d := NewDispatcher(backend, Config{})

	obs := d.ExecuteSingle(context.Background(), call("t1", "pwd", nil))
	if !obs.Success {
		t.Fatalf("unexpected failure: %+v", obs)
	}
	if obs.Tool != "get_cwd" {
		t.Errorf("alias not resolved: %s", obs.Tool)
	}
	if backend.calls[0] != "get_cwd" {
		t.Errorf("backend received %s", backend.calls[0])
	}
}

func TestDispatcherPermissionDenied(t *testing.T) {
	backend := &recordingBackend{}
	d := NewDispatcher(backend, Config{AllowedTools: []string{"read_file", "list_files"}})

	obs := d.ExecuteSingle(context.Background(), call("t1", "create_file", map[string]any{"path": "x"}))
	if obs.Success {
		t.Fatal("expected denial")
	}
	if obs.Error != "not allowed by current permissions" {
		t.Errorf("unexpected error: %q", obs.Error)
	}
	if len(backend.calls) != 0 {
		t.Error("backend must not be reached on denial")
	}
}

func TestDispatcherApprovalGate(t *testing.T) {
	backend := &recordingBackend{}
	d := NewDispatcher(backend, Config{})

	obs := d.ExecuteSingle(context.Background(), call("t1", "execute_powershell", map[string]any{
		"command": "Get-Process",
	}))
	if !obs.ApprovalRequired() {
		t.Fatalf("expected approval_required, got %+v", obs)
	}
	if obs.Reason() == "" {
		t.Error("expected a reason")
	}
	if len(backend.calls) != 0 {
		t.Error("dangerous tool must not execute without approval")
	}
}

func TestDispatcherApprovedExecution(t *testing.T) {
	backend := &recordingBackend{}
	d := NewDispatcher(backend, Config{})

	obs := d.ExecuteSingle(context.Background(), call("t1", "execute_shell", map[string]any{
		"command": "ls", "approved": true,
	}))
	if !obs.Success || obs.ApprovalRequired() {
		t.Fatalf("expected execution after approval, got %+v", obs)
	}
	if len(backend.calls) != 1 {
		t.Fatal("backend not reached")
	}
	if _, ok := backend.lastArgs["approved"]; ok {
		t.Error("approved flag must not be forwarded to the backend")
	}
}

func TestDispatcherParamRemap(t *testing.T) {
	backend := &recordingBackend{}
	d := NewDispatcher(backend, Config{})

	obs := d.ExecuteSingle(context.Background(), call("t1", "edit_file", map[string]any{
		"filename":  "a.txt",
		"old_str":   "x",
		"new_str":   "y",
		"verbosity": "high",
	}))
	if !obs.Success {
		t.Fatalf("unexpected failure: %+v", obs)
	}

	if backend.lastArgs["path"] != "a.txt" {
		t.Errorf("filename not renamed to path: %v", backend.lastArgs)
	}
	if backend.lastArgs["old_string"] != "x" || backend.lastArgs["new_string"] != "y" {
		t.Errorf("old_str/new_str not renamed: %v", backend.lastArgs)
	}
	if _, ok := backend.lastArgs["verbosity"]; ok {
		t.Error("unexpected key should be dropped")
	}
}

func TestDispatcherUnknownTool(t *testing.T) {
	d := NewDispatcher(NewBuiltinBackend(t.TempDir()), Config{})

	obs := d.ExecuteSingle(context.Background(), call("t1", "teleport", nil))
	if obs.Success {
		t.Fatal("expected error observation for unknown tool")
	}
	if obs.Error == "" {
		t.Error("expected error text")
	}
}

func TestDispatcherObservationTiming(t *testing.T) {
	backend := &recordingBackend{delay: 20 * time.Millisecond}
	d := NewDispatcher(backend, Config{})

	obs := d.ExecuteSingle(context.Background(), call("t1", "read_file", map[string]any{"path": "x"}))
	if obs.DurationMS < 20 {
		t.Errorf("expected duration >= 20ms, got %v", obs.DurationMS)
	}
}

func TestDispatcherBatchSequential(t *testing.T) {
	backend := &recordingBackend{}
	d := NewDispatcher(backend, Config{})

	calls := []envelope.ToolRequest{
		call("a", "get_cwd", nil),
		call("b", "list_files", map[string]any{"path": "."}),
	}
	batch := d.ExecuteBatch(context.Background(), calls, false)

	if !batch.MultiTool || batch.Count != 2 || !batch.AllSuccess {
		t.Fatalf("unexpected aggregate: %+v", batch)
	}
	if batch.Results["a"] == nil || batch.Results["b"] == nil {
		t.Error("results not keyed by tool_id")
	}
}

func TestDispatcherBatchParallelBounded(t *testing.T) {
	backend := &recordingBackend{delay: 30 * time.Millisecond}
	d := NewDispatcher(backend, Config{MaxParallel: 3})

	var calls []envelope.ToolRequest
	for i := 0; i < 9; i++ {
		calls = append(calls, call(fmt.Sprintf("t%d", i), "get_cwd", nil))
	}

	start := time.Now()
	batch := d.ExecuteBatch(context.Background(), calls, true)
	elapsed := time.Since(start)

	if batch.Count != 9 || !batch.AllSuccess {
		t.Fatalf("unexpected aggregate: %+v", batch)
	}
	if peak := backend.peak.Load(); peak > 3 {
		t.Errorf("worker bound exceeded: peak %d", peak)
	}
	// 9 calls at 30ms with 3 workers needs at least 3 waves.
	if elapsed < 80*time.Millisecond {
		t.Errorf("batch finished too fast for bounded pool: %v", elapsed)
	}
}

func TestDispatcherBatchAllSuccessFalse(t *testing.T) {
	d := NewDispatcher(NewBuiltinBackend(t.TempDir()), Config{})

	calls := []envelope.ToolRequest{
		call("ok", "get_cwd", nil),
		call("bad", "read_file", map[string]any{"path": "missing.txt"}),
	}
	batch := d.ExecuteBatch(context.Background(), calls, true)

	if batch.AllSuccess {
		t.Error("expected all_success=false with one failing call")
	}
	if batch.Results["ok"] == nil || !batch.Results["ok"].Success {
		t.Error("successful call missing from aggregate")
	}
	if batch.Results["bad"] == nil || batch.Results["bad"].Success {
		t.Error("failing call should be unsuccessful")
	}
}

func TestDispatcherBatchToMap(t *testing.T) {
	d := NewDispatcher(NewBuiltinBackend(t.TempDir()), Config{})

	batch := d.ExecuteBatch(context.Background(), []envelope.ToolRequest{call("a", "get_cwd", nil)}, false)
	m := batch.ToMap()
	if m["_multi_tool"] != true {
		t.Errorf("wire shape missing _multi_tool: %v", m)
	}
	if m["count"] != float64(1) {
		t.Errorf("unexpected count: %v", m["count"])
	}
}
