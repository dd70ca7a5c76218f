package envelope

import (
	"encoding/json"
	"strings"
	"testing"
)

func validReply() *Envelope {
	return &Envelope{
		State:          StateReply,
		BriefRationale: "greeting",
		Conversation:   &Conversation{Utterance: "hello"},
		Meta:           Meta{Continue: false, StopReason: StopUserReply},
	}
}

func TestValidateReply(t *testing.T) {
	ok, errs := Validate(validReply())
	if !ok {
		t.Fatalf("expected valid, got errors: %v", errs)
	}
}

func TestValidateMissingStopReason(t *testing.T) {
	env := validReply()
	env.Meta.StopReason = ""

	ok, errs := Validate(env)
	if ok {
		t.Fatal("expected rejection when continue=false without stop_reason")
	}
	if len(errs) == 0 {
		t.Error("expected at least one error message")
	}
}

func TestValidateUnknownStopReason(t *testing.T) {
	env := validReply()
	env.Meta.StopReason = "because"

	if ok, _ := Validate(env); ok {
		t.Error("expected rejection of unknown stop_reason")
	}
}

func TestValidateToolRequiresArguments(t *testing.T) {
	env := &Envelope{
		State: StateTool,
		Tool:  "read_file",
		Meta:  Meta{Continue: true},
	}

	if ok, _ := Validate(env); ok {
		t.Error("expected rejection of tool envelope without arguments")
	}

	env.Arguments = map[string]any{"path": "a.txt"}
	if ok, errs := Validate(env); !ok {
		t.Errorf("expected valid tool envelope, got %v", errs)
	}
}

func TestValidateToolEmptyArguments(t *testing.T) {
	env := &Envelope{
		State:     StateTool,
		Tool:      "get_cwd",
		Arguments: map[string]any{},
		Meta:      Meta{Continue: true},
	}

	ok, errs := Validate(env)
	if !ok {
		t.Fatalf("zero-argument tool envelope must validate: %v", errs)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"arguments"`) {
		t.Fatalf("empty arguments dropped at marshal time: %s", data)
	}

	reparsed, err := Parse(string(data))
	if err != nil {
		t.Fatal(err)
	}
	if reparsed.Arguments == nil {
		t.Fatal("arguments must survive the round trip")
	}
	if ok, errs := Validate(reparsed); !ok {
		t.Errorf("round-tripped envelope must validate: %v", errs)
	}
}

func TestValidateEmptyToolsBatch(t *testing.T) {
	env := &Envelope{
		State: StateTools,
		Tools: []ToolRequest{},
		Meta:  Meta{Continue: true},
	}

	if ok, _ := Validate(env); ok {
		t.Error("expected rejection of empty tools array")
	}
}

func TestValidateDuplicateToolIDs(t *testing.T) {
	env := &Envelope{
		State: StateTools,
		Tools: []ToolRequest{
			{ToolID: "t1", Tool: "read_file", Arguments: map[string]any{}},
			{ToolID: "t1", Tool: "list_files", Arguments: map[string]any{}},
		},
		Meta: Meta{Continue: true},
	}

	ok, errs := Validate(env)
	if ok {
		t.Fatal("expected rejection of duplicate tool_ids")
	}
	found := false
	for _, e := range errs {
		if strings.Contains(e, "duplicate tool_id") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected duplicate tool_id error, got %v", errs)
	}
}

func TestValidateRationaleBoundary(t *testing.T) {
	env := validReply()

	env.BriefRationale = strings.Repeat("x", MaxRationaleLen)
	if ok, errs := Validate(env); !ok {
		t.Errorf("rationale of exactly %d chars must pass: %v", MaxRationaleLen, errs)
	}

	env.BriefRationale = strings.Repeat("x", MaxRationaleLen+1)
	if ok, _ := Validate(env); ok {
		t.Errorf("rationale of %d chars must fail", MaxRationaleLen+1)
	}
}

func TestValidateConfidenceBounds(t *testing.T) {
	for _, v := range []float64{0.0, 0.5, 1.0} {
		env := validReply()
		conf := v
		env.Meta.Confidence = &conf
		if ok, errs := Validate(env); !ok {
			t.Errorf("confidence %v must pass: %v", v, errs)
		}
	}
	for _, v := range []float64{-0.01, 1.01} {
		env := validReply()
		conf := v
		env.Meta.Confidence = &conf
		if ok, _ := Validate(env); ok {
			t.Errorf("confidence %v must fail", v)
		}
	}
}

func TestValidateNilConfidenceAccepted(t *testing.T) {
	env := validReply()
	env.Meta.Confidence = nil
	if ok, errs := Validate(env); !ok {
		t.Errorf("null confidence must pass: %v", errs)
	}
}

func TestValidateAllStatesRequireTheirPayload(t *testing.T) {
	cases := []State{
		StatePlan, StateClarify, StateConfirm, StateReflect, StateWait,
		StateError, StateFinish, StateHandoff, StateAskHuman,
	}
	for _, state := range cases {
		t.Run(string(state), func(t *testing.T) {
			env := &Envelope{State: state, Meta: Meta{Continue: true}}
			if ok, _ := Validate(env); ok {
				t.Errorf("state %s without its payload must fail", state)
			}
		})
	}
}

func TestValidateErrorEnvelopeFallback(t *testing.T) {
	env := NewErrorEnvelope("something broke", "json_parse_error")
	if ok, errs := Validate(env); !ok {
		t.Fatalf("fallback error envelope must always validate: %v", errs)
	}
}
