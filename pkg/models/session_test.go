package models

import (
	"testing"
	"time"

	"github.com/cephiq/agentloop/internal/envelope"
)

func TestNewSessionDefaults(t *testing.T) {
	s := NewSession("s1", "do the thing")

	if s.Status != StatusActive {
		t.Errorf("expected active, got %s", s.Status)
	}
	if s.Budgets.MaxCycles != 100 || s.Budgets.MaxTotalTokens != 100_000 {
		t.Errorf("unexpected default budgets: %+v", s.Budgets)
	}
}

func TestSessionAppendOrder(t *testing.T) {
	s := NewSession("s1", "goal")
	s.Append(NewEvent(EventUserMessage, map[string]any{"text": "first"}))
	s.Append(NewEvent(EventDecision, map[string]any{"state": "tool"}))

	if len(s.History) != 2 {
		t.Fatalf("expected 2 events, got %d", len(s.History))
	}
	if s.History[0].Type != EventUserMessage || s.History[1].Type != EventDecision {
		t.Error("history order not preserved")
	}
}

func TestSessionBudgetExhaustion(t *testing.T) {
	s := NewSession("s1", "goal")
	s.Budgets = Budgets{MaxCycles: 2, MaxTotalTokens: 1000}

	if s.BudgetExhausted() {
		t.Error("fresh session should have budget")
	}

	s.Stats.CyclesUsed = 2
	if !s.BudgetExhausted() {
		t.Error("cycle budget should be exhausted")
	}

	s.Stats.CyclesUsed = 1
	s.Stats.TokensUsed = 1000
	if !s.BudgetExhausted() {
		t.Error("token budget should be exhausted")
	}
}

func TestSessionTimeBudget(t *testing.T) {
	s := NewSession("s1", "goal")
	s.Budgets.MaxTime = time.Millisecond
	s.Stats.StartTime = time.Now().Add(-time.Second)

	if !s.BudgetExhausted() {
		t.Error("time budget should be exhausted")
	}
}

func TestSessionRemaining(t *testing.T) {
	s := NewSession("s1", "goal")
	s.Budgets = Budgets{MaxCycles: 10, MaxTotalTokens: 500}
	s.Stats.CyclesUsed = 4
	s.Stats.TokensUsed = 600

	if s.RemainingCycles() != 6 {
		t.Errorf("expected 6 cycles, got %d", s.RemainingCycles())
	}
	if s.RemainingTokens() != 0 {
		t.Errorf("overspent tokens should clamp to 0, got %d", s.RemainingTokens())
	}
}

func TestSessionTail(t *testing.T) {
	s := NewSession("s1", "goal")
	for i := 0; i < 20; i++ {
		s.Append(NewEvent(EventMessage, map[string]any{"idx": i}))
	}

	tail := s.Tail(15)
	if len(tail) != 15 {
		t.Fatalf("expected 15 events, got %d", len(tail))
	}
	if tail[0].Payload["idx"] != 5 {
		t.Errorf("tail should start at event 5, got %v", tail[0].Payload["idx"])
	}
}

func TestNewDecisionEvent(t *testing.T) {
	env := &envelope.Envelope{
		State:          envelope.StateTool,
		BriefRationale: "Reading the config.",
		Tool:           "read_file",
	}
	event := NewDecisionEvent(env)

	if event.Type != EventDecision {
		t.Fatalf("unexpected type %s", event.Type)
	}
	decoded, ok := event.Payload["envelope"].(map[string]any)
	if !ok {
		t.Fatal("decision payload missing envelope")
	}
	if decoded["state"] != "tool" {
		t.Errorf("unexpected state in payload: %v", decoded["state"])
	}
}
