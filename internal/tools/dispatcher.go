package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cephiq/agentloop/internal/envelope"
)

// Backend executes a canonical tool name against some substrate: the local
// builtin toolset or a remote MCP server.
type Backend interface {
	Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

// toolAliases maps common synonyms to canonical names before dispatch.
var toolAliases = map[string]string{
	"pwd":                       "get_cwd",
	"cwd":                       "get_cwd",
	"get_working_directory":     "get_cwd",
	"current_working_directory": "get_cwd",
	"working_directory":         "get_cwd",
	"shell":                     "execute_shell",
	"bash":                      "execute_shell",
	"powershell":                "execute_shell",
	"execute_powershell":        "execute_shell",
	"run_command":               "execute_shell",
}

// paramRenames maps incoming argument keys to the callee's expected names,
// per tool. Tools without an entry pass arguments through untouched.
var paramRenames = map[string]map[string]string{
	"create_file": {
		"filename": "path", "file_path": "path", "file": "path",
		"text": "content", "contents": "content", "data": "content",
	},
	"read_file":   {"filename": "path", "file_path": "path", "file": "path"},
	"delete_file": {"filename": "path", "file_path": "path", "file": "path"},
	"edit_file": {
		"filename": "path", "file_path": "path", "file": "path",
		"old_str": "old_string", "old_text": "old_string",
		"new_str": "new_string", "new_text": "new_string",
	},
	"list_files":       {"directory": "path", "dir": "path"},
	"create_directory": {"directory": "path", "dir": "path"},
	"directory_tree":   {"directory": "path", "dir": "path", "depth": "max_depth"},
	"execute_shell":    {"cmd": "command", "script": "command", "shell_command": "command"},
}

// expectedParams lists the argument keys each remapped tool accepts after
// renaming. Keys outside the set are dropped with a warning.
var expectedParams = map[string]map[string]bool{
	"create_file":      {"path": true, "content": true},
	"read_file":        {"path": true},
	"delete_file":      {"path": true},
	"edit_file":        {"path": true, "old_string": true, "new_string": true},
	"list_files":       {"path": true},
	"create_directory": {"path": true},
	"directory_tree":   {"path": true, "max_depth": true},
	"execute_shell":    {"command": true, "workdir": true},
	"get_cwd":          {},
}

// defaultDangerous is the set of tools that require explicit approval.
var defaultDangerous = map[string]bool{
	"execute_shell":    true,
	"python_eval":      true,
	"delete_item":      true,
	"write_block":      true,
	"change_directory": true,
}

// Config tunes a Dispatcher.
type Config struct {
	// AllowedTools restricts the canonical names the session may invoke.
	// Empty means unrestricted.
	AllowedTools []string

	// DangerousTools overrides the default approval-gated set.
	DangerousTools []string

	// MaxParallel bounds batch concurrency. Default 5.
	MaxParallel int

	// Timeout bounds each tool execution. Default 30s.
	Timeout time.Duration
}

// Dispatcher routes tool invocations through aliasing, permission and
// approval checks, and parameter remapping to a backend.
type Dispatcher struct {
	backend   Backend
	logger    *slog.Logger
	allowed   map[string]bool
	dangerous map[string]bool
	parallel  int
	timeout   time.Duration
}

// NewDispatcher creates a dispatcher over the given backend.
func NewDispatcher(backend Backend, cfg Config) *Dispatcher {
	parallel := cfg.MaxParallel
	if parallel <= 0 {
		parallel = 5
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	allowed := make(map[string]bool, len(cfg.AllowedTools))
	for _, name := range cfg.AllowedTools {
		allowed[Canonical(name)] = true
	}

	dangerous := defaultDangerous
	if cfg.DangerousTools != nil {
		dangerous = make(map[string]bool, len(cfg.DangerousTools))
		for _, name := range cfg.DangerousTools {
			dangerous[Canonical(name)] = true
		}
	}

	return &Dispatcher{
		backend:   backend,
		logger:    slog.Default().With("component", "dispatcher"),
		allowed:   allowed,
		dangerous: dangerous,
		parallel:  parallel,
		timeout:   timeout,
	}
}

// SetAllowedTools replaces the session allow-set.
func (d *Dispatcher) SetAllowedTools(names []string) {
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[Canonical(name)] = true
	}
	d.allowed = allowed
}

// Canonical resolves a tool name through the alias table.
func Canonical(tool string) string {
	if canonical, ok := toolAliases[tool]; ok {
		return canonical
	}
	return tool
}

// ExecuteSingle runs one tool call and returns its observation. Failures
// are observations, never panics or bare errors.
func (d *Dispatcher) ExecuteSingle(ctx context.Context, call envelope.ToolRequest) *Observation {
	start := time.Now()
	canonical := Canonical(call.Tool)

	obs := &Observation{Tool: canonical}
	finish := func() *Observation {
		obs.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0
		return obs
	}

	if len(d.allowed) > 0 && !d.allowed[canonical] {
		obs.Error = "not allowed by current permissions"
		return finish()
	}

	if d.dangerous[canonical] {
		if approved, _ := call.Arguments["approved"].(bool); !approved {
			obs.Success = true
			obs.Result = map[string]any{
				"approval_required": true,
				"reason":            fmt.Sprintf("High-risk tool '%s' requires human approval", canonical),
			}
			return finish()
		}
	}

	args := d.remapArgs(canonical, call.Arguments)

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.backend.Execute(execCtx, canonical, args)
	if err != nil {
		obs.Error = err.Error()
		return finish()
	}

	obs.Result = result
	obs.Success = true
	if success, ok := result["success"].(bool); ok {
		obs.Success = success
	}
	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		obs.Error = errMsg
	}
	return finish()
}

// ExecuteBatch runs a set of tool calls, concurrently up to the configured
// worker bound when parallel is set, and aggregates results by tool_id.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, calls []envelope.ToolRequest, parallel bool) *BatchObservation {
	results := make(map[string]*Observation, len(calls))

	if parallel {
		sem := make(chan struct{}, d.parallel)
		var mu sync.Mutex
		var wg sync.WaitGroup

		for _, call := range calls {
			wg.Add(1)
			go func(c envelope.ToolRequest) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				obs := d.ExecuteSingle(ctx, c)
				mu.Lock()
				results[c.ToolID] = obs
				mu.Unlock()
			}(call)
		}
		wg.Wait()
	} else {
		for _, call := range calls {
			results[call.ToolID] = d.ExecuteSingle(ctx, call)
		}
	}

	allSuccess := true
	for _, obs := range results {
		if !obs.Success {
			allSuccess = false
			break
		}
	}
	return &BatchObservation{
		MultiTool:  true,
		Count:      len(results),
		AllSuccess: allSuccess,
		Results:    results,
	}
}

// remapArgs renames argument keys per the tool's table and drops keys the
// tool does not accept. The approved flag is consumed by the gate above
// and never forwarded.
func (d *Dispatcher) remapArgs(tool string, args map[string]any) map[string]any {
	renames := paramRenames[tool]
	expected := expectedParams[tool]

	out := make(map[string]any, len(args))
	for key, value := range args {
		if key == "approved" {
			continue
		}
		if renamed, ok := renames[key]; ok {
			key = renamed
		}
		if expected != nil && !expected[key] {
			d.logger.Warn("dropping unexpected argument", "tool", tool, "key", key)
			continue
		}
		out[key] = value
	}
	return out
}
