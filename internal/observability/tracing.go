package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName scopes all runtime spans.
const tracerName = "github.com/cephiq/agentloop"

// Span names used by the runtime.
const (
	SpanAgentCycle  = "agent.cycle"
	SpanLLMDecide   = "llm.decide"
	SpanToolExecute = "tool.execute"
)

// StartSpan starts a runtime span on the globally configured provider.
// Without a configured SDK this is a no-op, so instrumentation is free in
// tests and minimal deployments.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan finishes a span, recording err when present.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
