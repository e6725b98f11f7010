package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "hyperagent-runtime"

func runtimeTracer() trace.Tracer {
	return Tracer(runtimeTracerName)
}

// TraceStepExecution starts a span covering a single RunStepByID invocation.
// Caller must call span.End() when the execution pipeline finishes.
func TraceStepExecution(ctx context.Context, workflowID, stepID, runnerID string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "workflow.step.execute",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("step_id", stepID),
		attribute.String("runner_instance_id", runnerID),
	)
	return ctx, span
}

// TraceEnqueue starts a span for a runner gateway handoff.
// Caller must call span.End() when the gateway returns.
func TraceEnqueue(ctx context.Context, workflowID, stepID string, attempt int) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "runner.enqueue",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("step_id", stepID),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// TraceOutcome records the terminal result of a traced operation.
func TraceOutcome(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
