// Package tools dispatches tool invocations to a backend: name aliasing,
// parameter remapping, permission checks, approval gating for dangerous
// tools, and bounded parallel fan-out for batches.
package tools

import "encoding/json"

// Observation is the normalized outcome of one tool invocation.
type Observation struct {
	Success    bool           `json:"success"`
	Tool       string         `json:"tool"`
	Result     map[string]any `json:"result"`
	Error      string         `json:"error,omitempty"`
	DurationMS float64        `json:"duration_ms"`
}

// ApprovalRequired reports whether the invocation was held pending human
// approval rather than executed.
func (o *Observation) ApprovalRequired() bool {
	if o.Result == nil {
		return false
	}
	required, _ := o.Result["approval_required"].(bool)
	return required
}

// Reason returns the approval reason, if any.
func (o *Observation) Reason() string {
	if o.Result == nil {
		return ""
	}
	reason, _ := o.Result["reason"].(string)
	return reason
}

// ToMap renders the observation in its wire shape.
func (o *Observation) ToMap() map[string]any {
	data, _ := json.Marshal(o)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

// BatchObservation aggregates a multi-tool batch keyed by tool_id.
type BatchObservation struct {
	MultiTool  bool                    `json:"_multi_tool"`
	Count      int                     `json:"count"`
	AllSuccess bool                    `json:"all_success"`
	Results    map[string]*Observation `json:"results"`
}

// ToMap renders the aggregate in its wire shape.
func (b *BatchObservation) ToMap() map[string]any {
	data, _ := json.Marshal(b)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}
