// Package envelope implements the decision envelope protocol: a
// discriminated union keyed by "state" that the LLM emits once per cycle,
// plus the parse, normalize, repair, and validate pipeline that turns raw
// model output into a trusted decision.
package envelope

import "encoding/json"

// State discriminates the envelope union.
type State string

// Envelope states. "message" arrives from the older dialect and is mapped
// to StateReply at ingress.
const (
	StateReply    State = "reply"
	StateTool     State = "tool"
	StateTools    State = "tools"
	StatePlan     State = "plan"
	StateError    State = "error"
	StateClarify  State = "clarify"
	StateConfirm  State = "confirm"
	StateReflect  State = "reflect"
	StateWait     State = "wait"
	StateHandoff  State = "handoff"
	StateFinish   State = "finish"
	StateAskHuman State = "ask_human"
)

// Terminal reports whether the state ends the decision loop regardless of
// meta.continue.
func (s State) Terminal() bool {
	switch s {
	case StateReply, StateError, StateFinish:
		return true
	}
	return false
}

// Known reports whether s is a member of the union.
func (s State) Known() bool {
	switch s {
	case StateReply, StateTool, StateTools, StatePlan, StateError,
		StateClarify, StateConfirm, StateReflect, StateWait,
		StateHandoff, StateFinish, StateAskHuman:
		return true
	}
	return false
}

// Stop reasons, required on meta when continue=false.
const (
	StopUserReply       = "user_reply"
	StopTaskDone        = "task_done"
	StopNeedApproval    = "need_approval"
	StopNeedInput       = "need_input"
	StopError           = "error"
	StopDeadEnd         = "dead_end"
	StopBudgetExhausted = "budget_exhausted"
)

// MaxRationaleLen is the upper bound on brief_rationale.
const MaxRationaleLen = 220

// Envelope is the single JSON object the model emits per cycle.
type Envelope struct {
	State          State  `json:"state"`
	BriefRationale string `json:"brief_rationale,omitempty"`
	EnvelopeID     string `json:"envelope_id,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`

	// state=tool. Arguments uses omitzero, not omitempty: an empty map is
	// a legitimate zero-argument call and must survive marshaling so the
	// schema's required["arguments"] check passes.
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitzero"`

	// state=tools
	Tools []ToolRequest `json:"tools,omitempty"`

	// Per-state payloads.
	Conversation *Conversation `json:"conversation,omitempty"`
	Plan         *Plan         `json:"plan,omitempty"`
	Clarify      *Clarify      `json:"clarify,omitempty"`
	Confirm      *Confirm      `json:"confirm,omitempty"`
	Reflect      *Reflect      `json:"reflect,omitempty"`
	Wait         *Wait         `json:"wait,omitempty"`
	Error        *ErrorInfo    `json:"error,omitempty"`
	Finish       *Finish       `json:"finish,omitempty"`
	Handoff      *Handoff      `json:"handoff,omitempty"`
	AskHuman     *AskHuman     `json:"ask_human,omitempty"`

	Meta Meta `json:"meta"`
}

// ToolRequest is one member of a tools batch.
type ToolRequest struct {
	ToolID    string         `json:"tool_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Conversation carries the utterance for reply envelopes.
type Conversation struct {
	Utterance   string `json:"utterance"`
	DialogueAct string `json:"dialogue_act,omitempty"`
	Target      string `json:"target,omitempty"`
}

// Plan is the structured task decomposition payload.
type Plan struct {
	RootTask      string           `json:"root_task"`
	Steps         []map[string]any `json:"steps"`
	ExecutionMode string           `json:"execution_mode,omitempty"`
	Confidence    *float64         `json:"confidence,omitempty"`
	Revision      int              `json:"revision,omitempty"`
}

// Clarify asks the user a question before proceeding.
type Clarify struct {
	Question string `json:"question"`
}

// Confirm requests explicit approval for an action.
type Confirm struct {
	Action string `json:"action"`
}

// Reflect records self-analysis between actions.
type Reflect struct {
	Analysis   string `json:"analysis"`
	NextAction string `json:"next_action,omitempty"`
}

// Wait suspends the loop until an external event arrives.
type Wait struct {
	EventType string  `json:"event_type"`
	Timeout   float64 `json:"timeout,omitempty"`
}

// ErrorInfo describes a failure the model or the runtime reports.
type ErrorInfo struct {
	ErrorType       string `json:"error_type"`
	ErrorMessage    string `json:"error_message"`
	SuggestedRepair string `json:"suggested_repair,omitempty"`
}

// Finish delivers the final result of the task.
type Finish struct {
	Summary   string         `json:"summary"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// Handoff transfers the task to another agent.
type Handoff struct {
	ToAgent string         `json:"to_agent"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// AskHuman escalates to a human operator.
type AskHuman struct {
	Question string `json:"question"`
	Urgency  string `json:"urgency,omitempty"`
}

// Meta carries loop-control fields common to every envelope.
type Meta struct {
	Continue   bool        `json:"continue"`
	StopReason string      `json:"stop_reason,omitempty"`
	Confidence *float64    `json:"confidence"`
	GoalUpdate *GoalUpdate `json:"goal_update,omitempty"`
	TodoUpdate *TodoUpdate `json:"todo_update,omitempty"`
}

// GoalUpdate mutates the active goal.
type GoalUpdate struct {
	NewGoal string `json:"new_goal"`
	Reason  string `json:"reason,omitempty"`
}

// TodoUpdate mutates the session todo list.
type TodoUpdate struct {
	Action string `json:"action"`
	Todo   *Todo  `json:"todo,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Todo actions.
const (
	TodoAdd      = "add"
	TodoUpdated  = "update"
	TodoComplete = "complete"
	TodoRemove   = "remove"
)

// Todo is one tracked work item.
type Todo struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	Status       string   `json:"status,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	RelatedFiles []string `json:"related_files,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
}

// NewErrorEnvelope synthesizes a valid terminal error envelope. It is the
// fallback of last resort: whatever the model returns, the loop always sees
// a well-formed decision.
func NewErrorEnvelope(message, errorType string) *Envelope {
	return &Envelope{
		State:          StateError,
		BriefRationale: "Failed to parse LLM response",
		Error: &ErrorInfo{
			ErrorType:    errorType,
			ErrorMessage: message,
		},
		Meta: Meta{
			Continue:   false,
			StopReason: StopError,
		},
	}
}

// Clone returns a deep copy via JSON round-trip. Envelopes are small; the
// simplicity beats a hand-written copier.
func (e *Envelope) Clone() *Envelope {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
