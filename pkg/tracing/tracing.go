// Package tracing holds the process-wide tracer. Every pipeline operation
// opens a span through StartSpan; with no tracer configured the spans are
// no-ops, which is what tests rely on.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// SetTracer sets the tracer used by StartSpan. Called once at startup.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// GetActiveSpan returns the span recording on the context, or nil when none
// is.
func GetActiveSpan(ctx context.Context) trace.Span {
	if tracer == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return span
}

// StartSpan opens a child span under the configured tracer
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

// GetTraceID returns the active trace ID, or empty when tracing is off.
// Error responses carry it so callers can reference a failing request.
func GetTraceID(ctx context.Context) string {
	span := GetActiveSpan(ctx)
	if span == nil {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
