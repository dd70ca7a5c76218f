// Package agent drives the decision loop: build context, ask the model for
// one envelope, dispatch by state, repeat until a terminal condition.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cephiq/agentloop/internal/envelope"
	"github.com/cephiq/agentloop/internal/llm"
	"github.com/cephiq/agentloop/internal/observability"
	"github.com/cephiq/agentloop/internal/prompt"
	"github.com/cephiq/agentloop/internal/tools"
	"github.com/cephiq/agentloop/pkg/models"
)

// Config wires the loop's collaborators. Metrics is optional.
type Config struct {
	Client     *llm.Client
	Dispatcher *tools.Dispatcher
	Builder    *prompt.Builder
	Catalogue  []tools.Descriptor
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Agent runs sessions to a terminal state. The loop is single-threaded
// cooperative: LLM and tool calls are the blocking points, and only the
// Agent mutates the session.
type Agent struct {
	client     *llm.Client
	dispatcher *tools.Dispatcher
	builder    *prompt.Builder
	catalogue  []tools.Descriptor
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New creates an Agent from its collaborators.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "agent")
	}
	return &Agent{
		client:     cfg.Client,
		dispatcher: cfg.Dispatcher,
		builder:    cfg.Builder,
		catalogue:  cfg.Catalogue,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Result summarizes one run. A waiting result means the session can be
// resumed via Approve, Deny, or a user reply followed by another Run.
type Result struct {
	Success       bool
	Status        models.SessionStatus
	FinalEnvelope *envelope.Envelope
	Cancelled     bool
	Stats         models.Stats
}

// Run executes decision cycles until the session reaches a terminal state,
// a budget is exhausted, or ctx is cancelled. Cancellation is checked at
// the top of each cycle; an in-flight tool call completes and its
// observation is recorded before exit.
func (a *Agent) Run(ctx context.Context, sess *models.Session) *Result {
	sess.Status = models.StatusActive

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("run cancelled", "session", sess.ID, "cycles", sess.Stats.CyclesUsed)
			return a.finish(sess, &Result{Cancelled: true, Status: sess.Status})
		default:
		}

		if sess.BudgetExhausted() {
			env := budgetEnvelope(sess)
			sess.Append(models.NewDecisionEvent(env))
			sess.Status = models.StatusError
			a.logger.Warn("budget exhausted",
				"session", sess.ID, "cycles", sess.Stats.CyclesUsed, "tokens", sess.Stats.TokensUsed)
			return a.finish(sess, &Result{Status: models.StatusError, FinalEnvelope: env})
		}

		cycleCtx, span := observability.StartSpan(ctx, observability.SpanAgentCycle,
			attribute.Int("cycle", sess.Stats.CyclesUsed))

		system, messages := a.builder.BuildMessages(sess, a.catalogue)
		env, usage := a.decide(cycleCtx, system, messages)

		sess.Stats.CyclesUsed++
		sess.Stats.TokensUsed += usage.Total()
		sess.Append(models.NewDecisionEvent(env))
		if a.metrics != nil {
			a.metrics.CycleCounter.WithLabelValues(string(env.State)).Inc()
		}
		a.logger.Info("decision",
			"session", sess.ID, "cycle", sess.Stats.CyclesUsed,
			"state", env.State, "continue", env.Meta.Continue)

		applyMetaUpdates(sess, env)

		result, forceContinue := a.dispatch(cycleCtx, sess, env)
		observability.EndSpan(span, nil)

		if result != nil {
			return a.finish(sess, result)
		}
		if forceContinue {
			continue
		}
		if !env.Meta.Continue {
			sess.Status = models.StatusCompleted
			return a.finish(sess, &Result{Success: true, Status: models.StatusCompleted, FinalEnvelope: env})
		}
	}
}

func (a *Agent) decide(ctx context.Context, system string, messages []llm.Message) (*envelope.Envelope, *llm.Usage) {
	ctx, span := observability.StartSpan(ctx, observability.SpanLLMDecide)
	start := time.Now()
	env, usage := a.client.DecideWithRetry(ctx, system, messages)
	observability.EndSpan(span, nil)

	if a.metrics != nil {
		provider := a.client.ProviderName()
		a.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		a.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(usage.InputTokens))
		a.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(usage.OutputTokens))
	}
	return env, usage
}

// dispatch applies one envelope to the session. A non-nil result ends the
// run; forceContinue starts the next cycle regardless of meta.continue
// (used when an auto-approved confirmation resumes the loop).
func (a *Agent) dispatch(ctx context.Context, sess *models.Session, env *envelope.Envelope) (*Result, bool) {
	switch env.State {
	case envelope.StateTool:
		call := envelope.ToolRequest{Tool: env.Tool, Arguments: env.Arguments}
		obs := a.executeSingle(ctx, call)
		sess.Append(models.NewEvent(models.EventToolResult, map[string]any{"result": obs.ToMap()}))
		sess.LastObservation = obs.ToMap()

		if obs.ApprovalRequired() {
			sess.PendingApproval = &call
			sess.Append(models.NewEvent(models.EventApprovalRequest, map[string]any{
				"tool":   tools.Canonical(env.Tool),
				"reason": obs.Reason(),
			}))
			sess.Status = models.StatusWaiting
			return &Result{Status: models.StatusWaiting, FinalEnvelope: env}, false
		}
		return nil, false

	case envelope.StateTools:
		batch := a.executeBatch(ctx, env.Tools)
		sess.Append(models.NewEvent(models.EventToolsResult, map[string]any{"results": batch.ToMap()}))
		sess.LastObservation = batch.ToMap()
		return nil, false

	case envelope.StatePlan:
		if env.Plan != nil {
			sess.Plan = models.ToMap(env.Plan)
		}
		sess.LastObservation = nil
		return nil, false

	case envelope.StateReflect:
		sess.LastObservation = nil
		return nil, false

	case envelope.StateReply:
		sess.Status = models.StatusCompleted
		return &Result{Success: true, Status: models.StatusCompleted, FinalEnvelope: env}, false

	case envelope.StateClarify, envelope.StateConfirm, envelope.StateAskHuman:
		if env.State == envelope.StateConfirm {
			if sess.AutoApprove {
				sess.LastObservation = map[string]any{"approved": true}
				a.logger.Info("confirmation auto-approved", "session", sess.ID)
				return nil, true
			}
			// Leave a trace of what is pending so a resumed session's
			// history shows the outstanding confirmation.
			action := ""
			if env.Confirm != nil {
				action = env.Confirm.Action
			}
			sess.Append(models.NewEvent(models.EventApprovalRequest, map[string]any{"action": action}))
		}
		sess.Status = models.StatusWaiting
		return &Result{Status: models.StatusWaiting, FinalEnvelope: env}, false

	case envelope.StateWait:
		sess.Status = models.StatusWaiting
		return &Result{Status: models.StatusWaiting, FinalEnvelope: env}, false

	case envelope.StateFinish, envelope.StateHandoff:
		sess.Status = models.StatusCompleted
		return &Result{Success: true, Status: models.StatusCompleted, FinalEnvelope: env}, false

	case envelope.StateError:
		sess.Status = models.StatusError
		return &Result{Status: models.StatusError, FinalEnvelope: env}, false

	default:
		synth := envelope.NewErrorEnvelope(
			fmt.Sprintf("unknown envelope state %q", env.State), "invalid_state")
		sess.Append(models.NewDecisionEvent(synth))
		sess.Status = models.StatusError
		return &Result{Status: models.StatusError, FinalEnvelope: synth}, false
	}
}

func (a *Agent) executeSingle(ctx context.Context, call envelope.ToolRequest) *tools.Observation {
	ctx, span := observability.StartSpan(ctx, observability.SpanToolExecute,
		attribute.String("tool", tools.Canonical(call.Tool)))
	obs := a.dispatcher.ExecuteSingle(ctx, call)
	observability.EndSpan(span, nil)
	a.recordToolMetrics(obs)
	return obs
}

func (a *Agent) executeBatch(ctx context.Context, calls []envelope.ToolRequest) *tools.BatchObservation {
	ctx, span := observability.StartSpan(ctx, observability.SpanToolExecute,
		attribute.Int("batch_size", len(calls)))
	batch := a.dispatcher.ExecuteBatch(ctx, calls, true)
	observability.EndSpan(span, nil)
	for _, obs := range batch.Results {
		a.recordToolMetrics(obs)
	}
	return batch
}

func (a *Agent) recordToolMetrics(obs *tools.Observation) {
	if a.metrics == nil {
		return
	}
	status := "error"
	switch {
	case obs.ApprovalRequired():
		status = "approval_required"
	case obs.Success:
		status = "success"
	}
	a.metrics.ToolExecutionCounter.WithLabelValues(obs.Tool, status).Inc()
	a.metrics.ToolExecutionDuration.WithLabelValues(obs.Tool).Observe(obs.DurationMS / 1000)
}

func (a *Agent) finish(sess *models.Session, result *Result) *Result {
	result.Stats = sess.Stats
	if a.metrics != nil {
		a.metrics.RunCounter.WithLabelValues(string(sess.Status)).Inc()
	}
	a.logger.Info("run finished",
		"session", sess.ID, "status", sess.Status,
		"cycles", sess.Stats.CyclesUsed, "tokens", sess.Stats.TokensUsed)
	return result
}

// applyMetaUpdates folds meta.goal_update and meta.todo_update into the
// session before the envelope is dispatched.
func applyMetaUpdates(sess *models.Session, env *envelope.Envelope) {
	if update := env.Meta.GoalUpdate; update != nil && update.NewGoal != "" {
		sess.Goal = update.NewGoal
	}

	update := env.Meta.TodoUpdate
	if update == nil || update.Todo == nil {
		return
	}
	switch update.Action {
	case envelope.TodoAdd:
		sess.Todos = append(sess.Todos, *update.Todo)
	case envelope.TodoUpdated:
		for i := range sess.Todos {
			if sess.Todos[i].ID == update.Todo.ID {
				sess.Todos[i] = *update.Todo
			}
		}
	case envelope.TodoComplete:
		for i := range sess.Todos {
			if sess.Todos[i].ID == update.Todo.ID {
				sess.Todos[i].Status = "completed"
			}
		}
	case envelope.TodoRemove:
		kept := sess.Todos[:0]
		for _, todo := range sess.Todos {
			if todo.ID != update.Todo.ID {
				kept = append(kept, todo)
			}
		}
		sess.Todos = kept
	}
}

func budgetEnvelope(sess *models.Session) *envelope.Envelope {
	return &envelope.Envelope{
		State:          envelope.StateError,
		BriefRationale: "Budget exhausted",
		Error: &envelope.ErrorInfo{
			ErrorType: "budget_exhausted",
			ErrorMessage: fmt.Sprintf("budget exhausted after %d cycles and %d tokens",
				sess.Stats.CyclesUsed, sess.Stats.TokensUsed),
		},
		Meta: envelope.Meta{
			Continue:   false,
			StopReason: envelope.StopBudgetExhausted,
		},
	}
}
