package prompt

import (
	"strings"
	"testing"

	"github.com/cephiq/agentloop/internal/envelope"
	"github.com/cephiq/agentloop/internal/tags"
	"github.com/cephiq/agentloop/internal/tools"
	"github.com/cephiq/agentloop/pkg/models"
)

func testSession() *models.Session {
	sess := models.NewSession("s1", "Create hello.txt with 'Hello World'")
	sess.Budgets = models.Budgets{MaxCycles: 50, MaxTotalTokens: 100_000}
	sess.Stats.CyclesUsed = 3
	sess.Stats.TokensUsed = 5_000
	return sess
}

func TestBuildMessagesStructure(t *testing.T) {
	builder := NewBuilder()
	sess := testSession()

	system, messages := builder.BuildMessages(sess, tools.BuiltinDescriptors())

	if !strings.Contains(system, "CEPHIQ AGENT SYSTEM v2.1") {
		t.Error("expected the protocol system prompt")
	}
	if len(messages) != 1 || messages[0].Role != "user" {
		t.Fatalf("expected one user message, got %+v", messages)
	}

	user := messages[0].Content
	for _, want := range []string{
		"GOAL",
		"Create hello.txt",
		"BUDGET REMAINING",
		"Cycles: 47",
		"Tokens: 95000",
		"AVAILABLE TOOLS",
		"Do NOT use unsupported tools",
		"Emit exactly ONE JSON envelope now.",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user context missing %q", want)
		}
	}
}

func TestBuildMessagesWithTags(t *testing.T) {
	store := tags.NewStore()
	builder := NewBuilder().WithTagStore(store)
	sess := testSession()
	sess.UserID = "alice"
	sess.Roles = []string{"agent"}

	system, _ := builder.BuildMessages(sess, nil)
	if !strings.Contains(system, "=== COMPANY CONTEXT ===") {
		t.Errorf("expected tag-assembled system prompt, got:\n%s", system)
	}
}

func TestBuildMessagesIncludesPlanAndTodos(t *testing.T) {
	builder := NewBuilder()
	sess := testSession()
	sess.Plan = map[string]any{
		"root_task": "Ship the feature",
		"steps": []any{
			map[string]any{"description": "Write code", "status": "done"},
			map[string]any{"description": "Write tests"},
		},
	}
	sess.Todos = []envelope.Todo{
		{ID: "t1", Content: "write code", Status: "completed"},
		{ID: "t2", Content: "write tests", Status: "pending"},
	}

	_, messages := builder.BuildMessages(sess, nil)
	user := messages[0].Content

	if !strings.Contains(user, "CURRENT PLAN") || !strings.Contains(user, "1. Write code [done]") {
		t.Errorf("plan section malformed:\n%s", user)
	}
	if !strings.Contains(user, "[x] t1: write code") {
		t.Errorf("completed todo malformed:\n%s", user)
	}
	if !strings.Contains(user, "[ ] t2: write tests (pending)") {
		t.Errorf("pending todo malformed:\n%s", user)
	}
}

func TestFormatSingleObservation(t *testing.T) {
	obs := map[string]any{
		"success":     true,
		"tool":        "create_file",
		"duration_ms": 45.2,
		"result": map[string]any{
			"path": "hello.txt",
			"size": 11,
		},
	}

	text := FormatObservation(obs)
	if !strings.HasPrefix(text, "SUCCESS: create_file (45.2ms)") {
		t.Errorf("unexpected header: %s", text)
	}
	if !strings.Contains(text, "path: hello.txt") || !strings.Contains(text, "size: 11 bytes") {
		t.Errorf("key fields missing:\n%s", text)
	}
}

func TestFormatSingleObservationFailure(t *testing.T) {
	obs := map[string]any{
		"success":     false,
		"tool":        "read_file",
		"error":       "File not found: x.txt",
		"duration_ms": 1.0,
	}

	text := FormatObservation(obs)
	if !strings.HasPrefix(text, "FAILURE: read_file") {
		t.Errorf("unexpected header: %s", text)
	}
	if !strings.Contains(text, "error: File not found: x.txt") {
		t.Errorf("error missing:\n%s", text)
	}
}

func TestFormatObservationContentTruncated(t *testing.T) {
	obs := map[string]any{
		"success": true,
		"tool":    "read_file",
		"result": map[string]any{
			"content": strings.Repeat("a", 500),
		},
	}

	text := FormatObservation(obs)
	if !strings.Contains(text, strings.Repeat("a", 200)+"...") {
		t.Error("content should truncate at 200 chars")
	}
	if strings.Contains(text, strings.Repeat("a", 201)) {
		t.Error("content exceeded the snippet limit")
	}
}

func TestFormatObservationFilePreview(t *testing.T) {
	obs := map[string]any{
		"success": true,
		"tool":    "list_files",
		"result": map[string]any{
			"files": []any{"a", "b", "c", "d", "e", "f", "g"},
		},
	}

	text := FormatObservation(obs)
	if !strings.Contains(text, "files[7]: a, b, c, d, e ...") {
		t.Errorf("file preview malformed:\n%s", text)
	}
}

func TestFormatMultiObservation(t *testing.T) {
	obs := map[string]any{
		"_multi_tool": true,
		"count":       float64(2),
		"all_success": false,
		"results": map[string]any{
			"f1": map[string]any{
				"success": true, "tool": "create_file", "duration_ms": 12.5,
				"result": map[string]any{"path": "a.txt", "size": float64(1)},
			},
			"f2": map[string]any{
				"success": false, "tool": "create_file", "duration_ms": 3.1,
				"error": "disk full",
			},
		},
	}

	text := FormatObservation(obs)
	if !strings.Contains(text, "Multi-tool execution (2 tools):") {
		t.Errorf("header missing:\n%s", text)
	}
	if !strings.Contains(text, "[OK] f1 (create_file) - 12.5ms") {
		t.Errorf("per-id success line missing:\n%s", text)
	}
	if !strings.Contains(text, "[FAIL] f2 (create_file) - 3.1ms") {
		t.Errorf("per-id failure line missing:\n%s", text)
	}
	if !strings.Contains(text, "error: disk full") {
		t.Errorf("failure detail missing:\n%s", text)
	}
}

func TestFormatHistoryLines(t *testing.T) {
	builder := NewBuilder().WithHistoryWindow(15)
	sess := testSession()

	env := &envelope.Envelope{State: envelope.StateTool, BriefRationale: "Creating hello.txt file", Tool: "create_file"}
	sess.Append(models.NewDecisionEvent(env))
	sess.Append(models.NewEvent(models.EventToolResult, map[string]any{
		"result": map[string]any{"success": true, "tool": "create_file"},
	}))
	sess.Append(models.NewEvent(models.EventToolsResult, map[string]any{
		"results": map[string]any{"count": 3, "all_success": true},
	}))
	sess.Append(models.NewEvent(models.EventUserMessage, map[string]any{"text": "thanks"}))

	_, messages := builder.BuildMessages(sess, nil)
	user := messages[0].Content

	for _, want := range []string{
		"[0] DECIDE: state=tool (Creating hello.txt file...)",
		"[1] RESULT: create_file OK",
		"[2] MULTI-RESULT: 3 tools ALL OK",
		"[3] MESSAGE",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("history missing %q in:\n%s", want, user)
		}
	}
}

func TestHistoryWindowApplied(t *testing.T) {
	builder := NewBuilder().WithHistoryWindow(5)
	sess := testSession()
	for i := 0; i < 30; i++ {
		sess.Append(models.NewEvent(models.EventMessage, nil))
	}

	_, messages := builder.BuildMessages(sess, nil)
	if !strings.Contains(messages[0].Content, "HISTORY (last 5 events)") {
		t.Error("history window not applied")
	}
}
