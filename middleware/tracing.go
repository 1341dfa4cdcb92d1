package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for introq tracing.
const tracerName = "github.com/loopmark/introq"

// Tracing returns middleware that wraps each invocation in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: introq.kind, introq.name, introq.id,
// introq.attempt, introq.user_id, introq.agent_kind.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		ctx, span := tracer.Start(ctx, "introq.dispatch",
			trace.WithAttributes(
				attribute.String("introq.kind", inv.Kind),
				attribute.String("introq.name", inv.Name),
				attribute.String("introq.id", inv.ID.String()),
				attribute.Int("introq.attempt", inv.Attempt),
				attribute.String("introq.user_id", inv.UserID.String()),
				attribute.String("introq.agent_kind", inv.AgentKind),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
