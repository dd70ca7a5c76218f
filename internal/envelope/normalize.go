package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Normalize fills in derivable fields: missing tool_ids become
// "tool_<index>", and envelope_id/timestamp are assigned if absent.
// Normalize is idempotent.
func Normalize(env *Envelope) *Envelope {
	if env == nil {
		return nil
	}

	for i := range env.Tools {
		if env.Tools[i].ToolID == "" {
			env.Tools[i].ToolID = fmt.Sprintf("tool_%d", i)
		}
	}

	if env.EnvelopeID == "" {
		env.EnvelopeID = uuid.NewString()
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	return env
}

// AutoRepair applies mechanical fixes before the model-repair loop gets a
// chance: unknown states clamp to error, a tool envelope without a tool
// name downgrades to error, missing required sub-objects get placeholders,
// and a non-continuing envelope without a stop reason gets one. A valid
// envelope passes through unchanged.
func AutoRepair(env *Envelope) *Envelope {
	if env == nil {
		return NewErrorEnvelope("nil envelope", "validation_error")
	}

	// "message" is the older dialect's spelling of reply.
	if env.State == "message" {
		env.State = StateReply
	}

	if !env.State.Known() {
		env.Error = &ErrorInfo{
			ErrorType:    "invalid_state",
			ErrorMessage: fmt.Sprintf("unknown envelope state %q", env.State),
		}
		env.State = StateError
		env.Meta.Continue = false
		if env.Meta.StopReason == "" {
			env.Meta.StopReason = StopError
		}
		return env
	}

	switch env.State {
	case StateTool:
		if env.Tool == "" {
			env.Error = &ErrorInfo{
				ErrorType:    "missing_tool_name",
				ErrorMessage: "tool envelope did not name a tool",
			}
			env.State = StateError
			env.Meta.Continue = false
			if env.Meta.StopReason == "" {
				env.Meta.StopReason = StopError
			}
			return env
		}
		if env.Arguments == nil {
			env.Arguments = map[string]any{}
		}
	case StateTools:
		for i := range env.Tools {
			if env.Tools[i].Arguments == nil {
				env.Tools[i].Arguments = map[string]any{}
			}
		}
	case StateReply:
		if env.Conversation == nil {
			env.Conversation = &Conversation{Utterance: ""}
		}
	case StatePlan:
		if env.Plan == nil {
			env.Plan = &Plan{RootTask: "", Steps: []map[string]any{}}
		}
		if env.Plan.Steps == nil {
			env.Plan.Steps = []map[string]any{}
		}
	case StateClarify:
		if env.Clarify == nil {
			env.Clarify = &Clarify{Question: ""}
		}
	case StateConfirm:
		if env.Confirm == nil {
			env.Confirm = &Confirm{Action: ""}
		}
	case StateReflect:
		if env.Reflect == nil {
			env.Reflect = &Reflect{Analysis: ""}
		}
	case StateWait:
		if env.Wait == nil {
			env.Wait = &Wait{EventType: ""}
		}
	case StateError:
		if env.Error == nil {
			env.Error = &ErrorInfo{ErrorType: "unknown", ErrorMessage: ""}
		}
	case StateFinish:
		if env.Finish == nil {
			env.Finish = &Finish{Summary: ""}
		}
	case StateHandoff:
		if env.Handoff == nil {
			env.Handoff = &Handoff{}
		}
	case StateAskHuman:
		if env.AskHuman == nil {
			env.AskHuman = &AskHuman{Question: ""}
		}
	}

	if !env.Meta.Continue && env.Meta.StopReason == "" {
		if env.State.Terminal() {
			env.Meta.StopReason = stopReasonFor(env.State)
		} else {
			env.Meta.StopReason = StopNeedInput
		}
	}

	return env
}

func stopReasonFor(s State) string {
	switch s {
	case StateReply:
		return StopUserReply
	case StateFinish:
		return StopTaskDone
	case StateError:
		return StopError
	}
	return StopError
}
