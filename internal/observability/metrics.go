// Package observability collects Prometheus metrics and OpenTelemetry
// spans for the decision loop, LLM calls, and tool execution.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metric registry for the runtime.
type Metrics struct {
	// CycleCounter counts decision cycles.
	// Labels: state (the envelope state the cycle produced)
	CycleCounter *prometheus.CounterVec

	// LLMRequestDuration measures decision call latency in seconds.
	// Labels: provider
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|approval_required)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// RunCounter counts completed agent runs.
	// Labels: status (completed|waiting|error)
	RunCounter *prometheus.CounterVec

	// EnvelopeRepairCounter counts envelope pipeline interventions.
	// Labels: kind (parse_error|validation_error|truncated)
	EnvelopeRepairCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer;
// nil uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CycleCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_cycles_total",
				Help: "Decision cycles by resulting envelope state",
			},
			[]string{"state"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_llm_request_duration_seconds",
				Help:    "LLM decision call latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_llm_tokens_total",
				Help: "Token consumption by direction",
			},
			[]string{"provider", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_tool_executions_total",
				Help: "Tool invocations by outcome",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_tool_execution_duration_seconds",
				Help:    "Tool execution latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_runs_total",
				Help: "Agent runs by terminal status",
			},
			[]string{"status"},
		),
		EnvelopeRepairCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_envelope_repairs_total",
				Help: "Envelope pipeline interventions by kind",
			},
			[]string{"kind"},
		),
	}
}
