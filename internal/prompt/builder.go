package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cephiq/agentloop/internal/envelope"
	"github.com/cephiq/agentloop/internal/llm"
	"github.com/cephiq/agentloop/internal/tags"
	"github.com/cephiq/agentloop/internal/tools"
	"github.com/cephiq/agentloop/pkg/models"
)

const (
	// historyWindow bounds how many trailing events the model sees.
	defaultHistoryWindow = 15
	// contentSnippetLen truncates text content in observations.
	contentSnippetLen = 200
	filePreviewCount  = 5
	treePreviewLines  = 6
)

// Builder assembles the per-cycle message list.
type Builder struct {
	systemPrompt  string
	tagStore      *tags.Store
	historyWindow int
}

// NewBuilder creates a builder using the fixed protocol system prompt.
func NewBuilder() *Builder {
	return &Builder{
		systemPrompt:  systemPromptV21,
		historyWindow: defaultHistoryWindow,
	}
}

// WithTagStore switches the system prompt to tag assembly.
func (b *Builder) WithTagStore(store *tags.Store) *Builder {
	b.tagStore = store
	return b
}

// WithHistoryWindow overrides the history tail length.
func (b *Builder) WithHistoryWindow(n int) *Builder {
	if n > 0 {
		b.historyWindow = n
	}
	return b
}

// BuildMessages produces the system prompt and user turn for one decision.
func (b *Builder) BuildMessages(sess *models.Session, catalogue []tools.Descriptor) (string, []llm.Message) {
	system := b.systemPrompt
	if b.tagStore != nil {
		resolved := b.tagStore.ResolveFor(sess.UserID, sess.Roles, sess.OrgID)
		if assembled := tags.BuildSystemPrompt(resolved); assembled != "" {
			system = assembled
		}
	}

	user := b.buildUserContext(sess, catalogue)
	return system, []llm.Message{{Role: "user", Content: user}}
}

func (b *Builder) buildUserContext(sess *models.Session, catalogue []tools.Descriptor) string {
	var sections []string

	sections = append(sections, "GOAL\n----\n"+sess.Goal)

	sections = append(sections, fmt.Sprintf(
		"BUDGET REMAINING\n----------------\nCycles: %d\nTokens: %d",
		sess.RemainingCycles(), sess.RemainingTokens()))

	if len(catalogue) > 0 {
		sections = append(sections, formatCatalogue(catalogue))
	}

	if sess.Plan != nil {
		sections = append(sections, formatPlan(sess.Plan))
	}

	if len(sess.Todos) > 0 {
		sections = append(sections, formatTodos(sess.Todos))
	}

	if sess.LastObservation != nil {
		sections = append(sections, "LAST TOOL RESULT\n----------------\n"+FormatObservation(sess.LastObservation))
	}

	if len(sess.History) > 0 {
		tail := sess.Tail(b.historyWindow)
		header := fmt.Sprintf("HISTORY (last %d events)\n------------------------------------\n", len(tail))
		sections = append(sections, header+formatHistory(tail))
	}

	sections = append(sections,
		strings.Repeat("=", 60)+"\nYOUR TASK\n"+strings.Repeat("=", 60)+"\n\nEmit exactly ONE JSON envelope now.")

	return strings.Join(sections, "\n\n")
}

func formatCatalogue(catalogue []tools.Descriptor) string {
	var sb strings.Builder
	sb.WriteString("AVAILABLE TOOLS\n----------------\n")
	for _, d := range catalogue {
		sb.WriteString(fmt.Sprintf("- %s(%s) -> {%s}", d.Name, d.Inputs, d.Outputs))
		if d.Description != "" {
			sb.WriteString("  # " + d.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nConstraints:\n- Use only the tools above.\n- Do NOT use unsupported tools like run_command, shell, bash, or run_python.")
	return sb.String()
}

func formatPlan(plan map[string]any) string {
	var sb strings.Builder
	sb.WriteString("CURRENT PLAN\n------------\n")
	if root, ok := plan["root_task"].(string); ok && root != "" {
		sb.WriteString("Task: " + root + "\n")
	}
	if steps, ok := plan["steps"].([]any); ok {
		for i, raw := range steps {
			step, _ := raw.(map[string]any)
			desc := firstString(step, "description", "task", "title", "step")
			status := firstString(step, "status")
			line := fmt.Sprintf("%d. %s", i+1, desc)
			if status != "" {
				line += " [" + status + "]"
			}
			sb.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTodos(todos []envelope.Todo) string {
	var sb strings.Builder
	sb.WriteString("TODOS\n-----\n")
	for _, todo := range todos {
		marker := "[ ]"
		if todo.Status == "completed" || todo.Status == "done" {
			marker = "[x]"
		}
		line := fmt.Sprintf("%s %s: %s", marker, todo.ID, todo.Content)
		if todo.Status != "" && marker == "[ ]" {
			line += " (" + todo.Status + ")"
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// FormatObservation renders an observation compactly: multi-tool results
// as per-id status lines, single results as key fields with truncated
// content.
func FormatObservation(obs map[string]any) string {
	if multi, _ := obs["_multi_tool"].(bool); multi {
		return formatMultiObservation(obs)
	}
	return formatSingleObservation(obs)
}

func formatMultiObservation(obs map[string]any) string {
	count := asInt(obs["count"])
	lines := []string{fmt.Sprintf("Multi-tool execution (%d tools):", count)}

	results, _ := obs["results"].(map[string]any)
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		result, _ := results[id].(map[string]any)
		status := "FAIL"
		if ok, _ := result["success"].(bool); ok {
			status = "OK"
		}
		tool := firstString(result, "tool")
		lines = append(lines, fmt.Sprintf("  [%s] %s (%s) - %vms", status, id, tool, result["duration_ms"]))

		inner, _ := result["result"].(map[string]any)
		if ok, _ := result["success"].(bool); ok {
			if path := firstString(inner, "path"); path != "" {
				lines = append(lines, "      path: "+path)
			}
			if size, present := inner["size"]; present {
				lines = append(lines, fmt.Sprintf("      size: %v bytes", size))
			}
		} else if errMsg := firstString(result, "error"); errMsg != "" {
			lines = append(lines, "      error: "+errMsg)
		}
	}
	return strings.Join(lines, "\n")
}

func formatSingleObservation(obs map[string]any) string {
	status := "FAILURE"
	success, _ := obs["success"].(bool)
	if success {
		status = "SUCCESS"
	}
	tool := firstString(obs, "tool")
	lines := []string{fmt.Sprintf("%s: %s (%vms)", status, tool, obs["duration_ms"])}

	result, _ := obs["result"].(map[string]any)
	if !success {
		errMsg := firstString(obs, "error")
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		lines = append(lines, "  error: "+errMsg)
		return strings.Join(lines, "\n")
	}

	if path := firstString(result, "path"); path != "" {
		lines = append(lines, "  path: "+path)
	}
	if size, ok := result["size"]; ok {
		lines = append(lines, fmt.Sprintf("  size: %v bytes", size))
	}
	if reps, ok := result["replacements"]; ok {
		lines = append(lines, fmt.Sprintf("  replacements: %v", reps))
	}
	if msg := firstString(result, "message"); msg != "" {
		lines = append(lines, "  "+msg)
	}
	if cwd := firstString(result, "cwd"); cwd != "" {
		lines = append(lines, "  cwd: "+cwd)
	}
	if files, ok := result["files"].([]any); ok {
		preview := make([]string, 0, filePreviewCount)
		for i, f := range files {
			if i == filePreviewCount {
				break
			}
			preview = append(preview, fmt.Sprintf("%v", f))
		}
		suffix := ""
		if len(files) > filePreviewCount {
			suffix = " ..."
		}
		lines = append(lines, fmt.Sprintf("  files[%d]: %s%s", len(files), strings.Join(preview, ", "), suffix))
	}
	if tree := firstString(result, "tree"); tree != "" {
		treeLines := strings.Split(tree, "\n")
		preview := treeLines
		suffix := ""
		if len(treeLines) > treePreviewLines {
			preview = treeLines[:treePreviewLines]
			suffix = "\n    ..."
		}
		lines = append(lines, "  tree:\n    "+strings.Join(preview, "\n    ")+suffix)
	}
	if content := firstString(result, "content"); content != "" {
		if len(content) > contentSnippetLen {
			content = content[:contentSnippetLen] + "..."
		}
		lines = append(lines, "  content: "+content)
	}
	if ar, ok := result["approval_required"].(bool); ok && ar {
		lines = append(lines, "  approval_required: true")
		if reason := firstString(result, "reason"); reason != "" {
			lines = append(lines, "  reason: "+reason)
		}
	}
	return strings.Join(lines, "\n")
}

func formatHistory(events []models.Event) string {
	if len(events) == 0 {
		return "(no history)"
	}

	var lines []string
	for idx, event := range events {
		switch event.Type {
		case models.EventDecision:
			env, _ := event.Payload["envelope"].(map[string]any)
			state := firstString(env, "state")
			rationale := firstString(env, "brief_rationale")
			if len(rationale) > 50 {
				rationale = rationale[:50]
			}
			lines = append(lines, fmt.Sprintf("[%d] DECIDE: state=%s (%s...)", idx, state, rationale))
		case models.EventToolResult:
			result, _ := event.Payload["result"].(map[string]any)
			status := "FAIL"
			if ok, _ := result["success"].(bool); ok {
				status = "OK"
			}
			lines = append(lines, fmt.Sprintf("[%d] RESULT: %s %s", idx, firstString(result, "tool"), status))
		case models.EventToolsResult:
			results, _ := event.Payload["results"].(map[string]any)
			status := "PARTIAL"
			if ok, _ := results["all_success"].(bool); ok {
				status = "ALL OK"
			}
			lines = append(lines, fmt.Sprintf("[%d] MULTI-RESULT: %d tools %s", idx, asInt(results["count"]), status))
		case models.EventUserMessage, models.EventMessage:
			lines = append(lines, fmt.Sprintf("[%d] MESSAGE", idx))
		default:
			lines = append(lines, fmt.Sprintf("[%d] %s", idx, strings.ToUpper(string(event.Type))))
		}
	}
	return strings.Join(lines, "\n")
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
