package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/parley"

type sessionKey struct{}

// Tracer returns the parley tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("parley.session_id", id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// WithSession tags ctx with a session ID. Spans started and loggers derived
// from the returned context carry it.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session ID set by [WithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartTurn opens the span covering one turn. end records the final turn
// status ("complete", "interrupted", "error", ...) and closes the span.
func StartTurn(ctx context.Context, language string) (_ context.Context, end func(status string)) {
	ctx, span := StartSpan(ctx, "parley.turn", trace.WithAttributes(attribute.String("parley.lang", language)))
	return ctx, func(status string) {
		span.SetAttributes(attribute.String("parley.turn.status", status))
		if status == "error" {
			span.SetStatus(codes.Error, "turn failed")
		}
		span.End()
	}
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// It is echoed to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default enriched with the session ID and trace IDs
// found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
