package agent

import (
	"context"
	"errors"

	"github.com/cephiq/agentloop/internal/tools"
	"github.com/cephiq/agentloop/pkg/models"
)

// ErrNoPendingApproval is returned when Approve or Deny is called on a
// session with nothing held.
var ErrNoPendingApproval = errors.New("no pending approval")

// Approve executes the held tool call with approval granted and returns
// the session to the active state. The caller resumes the loop with Run.
func (a *Agent) Approve(ctx context.Context, sess *models.Session) error {
	call := sess.PendingApproval
	if call == nil {
		return ErrNoPendingApproval
	}

	approved := *call
	approved.Arguments = make(map[string]any, len(call.Arguments)+1)
	for k, v := range call.Arguments {
		approved.Arguments[k] = v
	}
	approved.Arguments["approved"] = true

	a.logger.Info("approval granted", "session", sess.ID, "tool", call.Tool)
	obs := a.executeSingle(ctx, approved)
	sess.Append(models.NewEvent(models.EventToolResult, map[string]any{"result": obs.ToMap()}))
	sess.LastObservation = obs.ToMap()
	sess.PendingApproval = nil
	sess.Status = models.StatusActive
	return nil
}

// Deny rejects the held tool call. The model sees the denial as a failed
// observation on the next cycle.
func (a *Agent) Deny(sess *models.Session) error {
	call := sess.PendingApproval
	if call == nil {
		return ErrNoPendingApproval
	}

	obs := &tools.Observation{
		Tool:  tools.Canonical(call.Tool),
		Error: "Tool execution denied by user",
	}
	a.logger.Info("approval denied", "session", sess.ID, "tool", call.Tool)
	sess.Append(models.NewEvent(models.EventToolResult, map[string]any{"result": obs.ToMap()}))
	sess.LastObservation = obs.ToMap()
	sess.PendingApproval = nil
	sess.Status = models.StatusActive
	return nil
}
