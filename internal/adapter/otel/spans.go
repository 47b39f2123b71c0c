package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskpilot"

// StartTaskSpan starts a span covering an entire task execution.
func StartTaskSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartStepSpan starts a span for a single plan-execute-validate step.
func StartStepSpan(ctx context.Context, taskID string, index int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("step.index", index),
		),
	)
}

// StartCollabSpan starts a span for a routed collaboration exchange.
func StartCollabSpan(ctx context.Context, requester, target string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "collab",
		trace.WithAttributes(
			attribute.String("collab.requester", requester),
			attribute.String("collab.target", target),
		),
	)
}
