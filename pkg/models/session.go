// Package models defines the shared session and history types the agent
// runtime, prompt builder, and persistence layer exchange.
package models

import (
	"encoding/json"
	"time"

	"github.com/cephiq/agentloop/internal/envelope"
)

// EventType classifies a history entry.
type EventType string

const (
	EventUserMessage     EventType = "user_message"
	EventDecision        EventType = "decision"
	EventToolResult      EventType = "tool_result"
	EventToolsResult     EventType = "tools_result"
	EventApprovalRequest EventType = "approval_request"
	EventMessage         EventType = "message"
	EventWait            EventType = "event"
)

// Event is one entry of the append-only session history.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent creates a timestamped history event.
func NewEvent(kind EventType, payload map[string]any) Event {
	return Event{Type: kind, Timestamp: time.Now().UTC(), Payload: payload}
}

// NewDecisionEvent records an envelope decision.
func NewDecisionEvent(env *envelope.Envelope) Event {
	return NewEvent(EventDecision, map[string]any{"envelope": ToMap(env)})
}

// ToMap renders any JSON-marshalable value as a generic map.
func ToMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// SessionStatus is the agent run state.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusWaiting   SessionStatus = "waiting"
	StatusError     SessionStatus = "error"
)

// Budgets bounds one agent run.
type Budgets struct {
	MaxCycles      int           `json:"max_cycles" yaml:"max_cycles"`
	MaxTotalTokens int           `json:"max_total_tokens" yaml:"max_total_tokens"`
	MaxTime        time.Duration `json:"max_time" yaml:"max_time"`
}

// DefaultBudgets returns the standard run limits.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxCycles:      100,
		MaxTotalTokens: 100_000,
	}
}

// Stats accumulates consumption during a run.
type Stats struct {
	CyclesUsed int       `json:"cycles_used"`
	TokensUsed int       `json:"tokens_used"`
	StartTime  time.Time `json:"start_time"`
}

// Session is the agent's unit of work: a goal, its history, and the
// budgets that bound it. The agent is the sole writer.
type Session struct {
	ID     string   `json:"id"`
	UserID string   `json:"user_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	OrgID  string   `json:"org_id,omitempty"`

	Goal   string        `json:"goal"`
	Status SessionStatus `json:"status"`

	History         []Event         `json:"history"`
	Plan            map[string]any  `json:"plan,omitempty"`
	Todos           []envelope.Todo `json:"todos,omitempty"`
	LastObservation map[string]any  `json:"last_observation,omitempty"`

	// PendingApproval holds the tool call awaiting a human decision while
	// the session is in the waiting state.
	PendingApproval *envelope.ToolRequest `json:"pending_approval,omitempty"`

	Budgets     Budgets `json:"budgets"`
	Stats       Stats   `json:"stats"`
	AutoApprove bool    `json:"auto_approve,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an active session for the given goal.
func NewSession(id, goal string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Goal:      goal,
		Status:    StatusActive,
		Budgets:   DefaultBudgets(),
		Stats:     Stats{StartTime: now},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds an event to the history in occurrence order.
func (s *Session) Append(event Event) {
	s.History = append(s.History, event)
	s.UpdatedAt = time.Now().UTC()
}

// RemainingCycles reports the cycle budget left.
func (s *Session) RemainingCycles() int {
	remaining := s.Budgets.MaxCycles - s.Stats.CyclesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingTokens reports the token budget left.
func (s *Session) RemainingTokens() int {
	remaining := s.Budgets.MaxTotalTokens - s.Stats.TokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BudgetExhausted reports whether any run limit has been reached.
func (s *Session) BudgetExhausted() bool {
	if s.Budgets.MaxCycles > 0 && s.Stats.CyclesUsed >= s.Budgets.MaxCycles {
		return true
	}
	if s.Budgets.MaxTotalTokens > 0 && s.Stats.TokensUsed >= s.Budgets.MaxTotalTokens {
		return true
	}
	if s.Budgets.MaxTime > 0 && time.Since(s.Stats.StartTime) >= s.Budgets.MaxTime {
		return true
	}
	return false
}

// Tail returns the last n history events.
func (s *Session) Tail(n int) []Event {
	if n <= 0 || len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
