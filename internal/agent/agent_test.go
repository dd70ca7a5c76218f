package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cephiq/agentloop/internal/envelope"
	"github.com/cephiq/agentloop/internal/llm"
	"github.com/cephiq/agentloop/internal/prompt"
	"github.com/cephiq/agentloop/internal/tools"
	"github.com/cephiq/agentloop/pkg/models"
)

// scriptedProvider plays back canned completions in order.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (string, *llm.Usage, error) {
	if p.calls >= len(p.responses) {
		return "", nil, fmt.Errorf("scripted provider exhausted after %d calls", p.calls)
	}
	text := p.responses[p.calls]
	p.calls++
	return text, &llm.Usage{InputTokens: 100, OutputTokens: 50}, nil
}

func newTestAgent(t *testing.T, cfg tools.Config, responses ...string) (*Agent, string) {
	t.Helper()
	dir := t.TempDir()
	provider := &scriptedProvider{responses: responses}
	client := llm.NewClient(provider, llm.ClientConfig{Model: "test"})
	dispatcher := tools.NewDispatcher(tools.NewBuiltinBackend(dir), cfg)

	agent := New(Config{
		Client:     client,
		Dispatcher: dispatcher,
		Builder:    prompt.NewBuilder(),
		Catalogue:  tools.BuiltinDescriptors(),
	})
	return agent, dir
}

const replyEnvelope = `{
	"state": "reply",
	"brief_rationale": "Task complete",
	"conversation": {"utterance": "Done."},
	"meta": {"continue": false, "stop_reason": "task_done", "confidence": 0.95}
}`

func toolEnvelope(tool, args string) string {
	return fmt.Sprintf(`{
		"state": "tool",
		"brief_rationale": "Running %s",
		"tool": %q,
		"arguments": %s,
		"meta": {"continue": true, "confidence": 0.9}
	}`, tool, tool, args)
}

func TestRunSingleToolThenReply(t *testing.T) {
	agent, dir := newTestAgent(t, tools.Config{},
		toolEnvelope("create_file", `{"path": "hello.txt", "content": "Hello World"}`),
		replyEnvelope,
	)
	sess := models.NewSession("s1", "Create hello.txt")

	result := agent.Run(context.Background(), sess)

	if !result.Success || result.Status != models.StatusCompleted {
		t.Fatalf("unexpected result %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil || string(data) != "Hello World" {
		t.Errorf("file not written: %v %q", err, data)
	}
	if result.Stats.CyclesUsed != 2 {
		t.Errorf("cycles = %d, want 2", result.Stats.CyclesUsed)
	}
	if result.Stats.TokensUsed != 300 {
		t.Errorf("tokens = %d, want 300", result.Stats.TokensUsed)
	}

	var kinds []models.EventType
	for _, event := range sess.History {
		kinds = append(kinds, event.Type)
	}
	want := []models.EventType{models.EventDecision, models.EventToolResult, models.EventDecision}
	if len(kinds) != len(want) {
		t.Fatalf("history = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestRunParallelBatch(t *testing.T) {
	batch := `{
		"state": "tools",
		"brief_rationale": "Creating both files",
		"tools": [
			{"tool_id": "f1", "tool": "create_file", "arguments": {"path": "a.txt", "content": "a"}},
			{"tool_id": "f2", "tool": "create_file", "arguments": {"path": "b.txt", "content": "b"}}
		],
		"meta": {"continue": true, "confidence": 0.9}
	}`
	agent, dir := newTestAgent(t, tools.Config{}, batch, replyEnvelope)
	sess := models.NewSession("s1", "Create a.txt and b.txt")

	result := agent.Run(context.Background(), sess)

	if !result.Success {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}

	results, _ := sess.History[1].Payload["results"].(map[string]any)
	if ok, _ := results["all_success"].(bool); !ok {
		t.Errorf("batch should report all_success: %v", results)
	}
	if multi, _ := results["_multi_tool"].(bool); !multi {
		t.Errorf("batch should carry the multi-tool marker: %v", results)
	}
}

func TestRunApprovalFlow(t *testing.T) {
	cfg := tools.Config{DangerousTools: []string{"delete_file"}}
	agent, dir := newTestAgent(t, cfg,
		toolEnvelope("delete_file", `{"path": "x.txt"}`),
		replyEnvelope,
	)
	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sess := models.NewSession("s1", "Delete x.txt")

	result := agent.Run(context.Background(), sess)
	if result.Status != models.StatusWaiting {
		t.Fatalf("expected waiting, got %+v", result)
	}
	if sess.PendingApproval == nil || sess.PendingApproval.Tool != "delete_file" {
		t.Fatalf("pending approval missing: %+v", sess.PendingApproval)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.txt")); err != nil {
		t.Fatal("file must survive until approval")
	}

	if err := agent.Approve(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.txt")); !os.IsNotExist(err) {
		t.Error("file should be deleted after approval")
	}
	if sess.Status != models.StatusActive || sess.PendingApproval != nil {
		t.Errorf("session not resumed: status=%s pending=%v", sess.Status, sess.PendingApproval)
	}

	result = agent.Run(context.Background(), sess)
	if !result.Success || result.Status != models.StatusCompleted {
		t.Errorf("resumed run should complete: %+v", result)
	}
}

func TestDenyRecordsFailedObservation(t *testing.T) {
	cfg := tools.Config{DangerousTools: []string{"delete_file"}}
	agent, dir := newTestAgent(t, cfg, toolEnvelope("delete_file", `{"path": "x.txt"}`))
	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sess := models.NewSession("s1", "Delete x.txt")

	agent.Run(context.Background(), sess)
	if err := agent.Deny(sess); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "x.txt")); err != nil {
		t.Error("denied deletion must not run")
	}
	if ok, _ := sess.LastObservation["success"].(bool); ok {
		t.Error("denial should record a failed observation")
	}
	if errMsg, _ := sess.LastObservation["error"].(string); errMsg != "Tool execution denied by user" {
		t.Errorf("denial error = %q", errMsg)
	}
	if err := agent.Deny(sess); err != ErrNoPendingApproval {
		t.Errorf("second deny should fail, got %v", err)
	}
}

func TestBudgetExhaustedTerminates(t *testing.T) {
	loop := toolEnvelope("get_cwd", `{}`)
	agent, _ := newTestAgent(t, tools.Config{}, loop, loop, loop)
	sess := models.NewSession("s1", "Spin")
	sess.Budgets.MaxCycles = 2

	result := agent.Run(context.Background(), sess)

	if result.Success || result.Status != models.StatusError {
		t.Fatalf("expected error status, got %+v", result)
	}
	final := result.FinalEnvelope
	if final.State != envelope.StateError || final.Meta.StopReason != envelope.StopBudgetExhausted {
		t.Errorf("final envelope = %+v", final)
	}
	if result.Stats.CyclesUsed != 2 {
		t.Errorf("cycles = %d, want 2", result.Stats.CyclesUsed)
	}
}

func TestMalformedResponseRecovered(t *testing.T) {
	agent, _ := newTestAgent(t, tools.Config{},
		"I think I should reply now, but this is not JSON at all.",
		replyEnvelope,
	)
	sess := models.NewSession("s1", "Say hi")

	result := agent.Run(context.Background(), sess)

	if !result.Success || result.Status != models.StatusCompleted {
		t.Fatalf("recovery failed: %+v", result)
	}
	// One cycle: the reprompt happens inside the decision call.
	if result.Stats.CyclesUsed != 1 {
		t.Errorf("cycles = %d, want 1", result.Stats.CyclesUsed)
	}
	if result.Stats.TokensUsed != 300 {
		t.Errorf("tokens = %d, want 300 across both attempts", result.Stats.TokensUsed)
	}
}

func TestRetriesExhaustedEndsInError(t *testing.T) {
	garbage := "definitely not an envelope"
	agent, _ := newTestAgent(t, tools.Config{}, garbage, garbage, garbage)
	sess := models.NewSession("s1", "Say hi")

	result := agent.Run(context.Background(), sess)

	if result.Success || result.Status != models.StatusError {
		t.Fatalf("expected error result, got %+v", result)
	}
	final := result.FinalEnvelope
	if final.Error == nil || final.Error.ErrorType != llm.ErrTypeRetries {
		t.Errorf("final error = %+v", final.Error)
	}
}

func TestPermissionDeniedFeedsBack(t *testing.T) {
	cfg := tools.Config{AllowedTools: []string{"create_file"}}
	agent, _ := newTestAgent(t, cfg,
		toolEnvelope("read_file", `{"path": "secret.txt"}`),
		replyEnvelope,
	)
	sess := models.NewSession("s1", "Read secret.txt")

	result := agent.Run(context.Background(), sess)

	if !result.Success {
		t.Fatalf("denied tool should not end the run: %+v", result)
	}
	obs, _ := sess.History[1].Payload["result"].(map[string]any)
	if ok, _ := obs["success"].(bool); ok {
		t.Error("observation should be a failure")
	}
	if errMsg, _ := obs["error"].(string); errMsg != "not allowed by current permissions" {
		t.Errorf("error = %q", errMsg)
	}
}

func TestAutoApproveConfirmContinues(t *testing.T) {
	confirm := `{
		"state": "confirm",
		"brief_rationale": "About to overwrite",
		"confirm": {"action": "overwrite hello.txt"},
		"meta": {"continue": false, "stop_reason": "need_approval", "confidence": null}
	}`
	agent, _ := newTestAgent(t, tools.Config{}, confirm, replyEnvelope)
	sess := models.NewSession("s1", "Overwrite hello.txt")
	sess.AutoApprove = true

	result := agent.Run(context.Background(), sess)

	if !result.Success || result.Status != models.StatusCompleted {
		t.Fatalf("auto-approved confirm should continue: %+v", result)
	}
	if result.Stats.CyclesUsed != 2 {
		t.Errorf("cycles = %d, want 2", result.Stats.CyclesUsed)
	}
}

func TestConfirmWithoutAutoApproveWaits(t *testing.T) {
	confirm := `{
		"state": "confirm",
		"brief_rationale": "About to overwrite",
		"confirm": {"action": "overwrite hello.txt"},
		"meta": {"continue": false, "stop_reason": "need_approval", "confidence": null}
	}`
	agent, _ := newTestAgent(t, tools.Config{}, confirm)
	sess := models.NewSession("s1", "Overwrite hello.txt")

	result := agent.Run(context.Background(), sess)

	if result.Status != models.StatusWaiting {
		t.Fatalf("expected waiting, got %+v", result)
	}
	if result.FinalEnvelope.State != envelope.StateConfirm {
		t.Errorf("final state = %s", result.FinalEnvelope.State)
	}

	last := sess.History[len(sess.History)-1]
	if last.Type != models.EventApprovalRequest {
		t.Fatalf("confirm should record an approval request, history ends with %s", last.Type)
	}
	if action, _ := last.Payload["action"].(string); action != "overwrite hello.txt" {
		t.Errorf("action = %q", action)
	}
}

func TestWaitEnvelopeSuspends(t *testing.T) {
	wait := `{
		"state": "wait",
		"brief_rationale": "Waiting for webhook",
		"wait": {"event_type": "webhook", "timeout": 60},
		"meta": {"continue": false, "stop_reason": "need_input", "confidence": null}
	}`
	agent, _ := newTestAgent(t, tools.Config{}, wait)
	sess := models.NewSession("s1", "Wait for the webhook")

	result := agent.Run(context.Background(), sess)
	if result.Status != models.StatusWaiting || sess.Status != models.StatusWaiting {
		t.Fatalf("expected waiting, got %+v", result)
	}
}

func TestPlanRecordedAndObservationCleared(t *testing.T) {
	plan := `{
		"state": "plan",
		"brief_rationale": "Decomposing the task",
		"plan": {"root_task": "Ship it", "steps": [{"description": "Write code"}]},
		"meta": {"continue": true, "confidence": 0.8}
	}`
	agent, _ := newTestAgent(t, tools.Config{}, plan, replyEnvelope)
	sess := models.NewSession("s1", "Ship it")
	sess.LastObservation = map[string]any{"success": true, "tool": "noop"}

	result := agent.Run(context.Background(), sess)

	if !result.Success {
		t.Fatalf("unexpected result %+v", result)
	}
	if sess.Plan == nil || sess.Plan["root_task"] != "Ship it" {
		t.Errorf("plan not recorded: %v", sess.Plan)
	}
	if sess.LastObservation != nil {
		t.Error("plan should clear the last observation")
	}
}

func TestGoalAndTodoUpdates(t *testing.T) {
	decided := `{
		"state": "reflect",
		"brief_rationale": "Narrowing the goal",
		"reflect": {"analysis": "The goal is broader than needed"},
		"meta": {
			"continue": true,
			"confidence": 0.7,
			"goal_update": {"new_goal": "Create only hello.txt", "reason": "scope cut"},
			"todo_update": {"action": "add", "todo": {"id": "t1", "content": "create hello.txt", "status": "pending"}}
		}
	}`
	complete := `{
		"state": "reflect",
		"brief_rationale": "Marking done",
		"reflect": {"analysis": "File created"},
		"meta": {
			"continue": true,
			"confidence": 0.7,
			"todo_update": {"action": "complete", "todo": {"id": "t1", "content": "create hello.txt"}}
		}
	}`
	agent, _ := newTestAgent(t, tools.Config{}, decided, complete, replyEnvelope)
	sess := models.NewSession("s1", "Create some files")

	agent.Run(context.Background(), sess)

	if sess.Goal != "Create only hello.txt" {
		t.Errorf("goal = %q", sess.Goal)
	}
	if len(sess.Todos) != 1 || sess.Todos[0].Status != "completed" {
		t.Errorf("todos = %+v", sess.Todos)
	}
}

func TestCancellationAtCycleTop(t *testing.T) {
	agent, _ := newTestAgent(t, tools.Config{}, replyEnvelope)
	sess := models.NewSession("s1", "Anything")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := agent.Run(ctx, sess)
	if !result.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", result)
	}
	if result.Stats.CyclesUsed != 0 {
		t.Errorf("no cycle should run after cancellation, got %d", result.Stats.CyclesUsed)
	}
}
