package trace

import (
	"context"

	"github.com/kzs0/tracehook/propagation"
)

type contextKey int

const (
	spanContextKey contextKey = iota
)

// ContextWithSpan returns a new context with the span attached as the active span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey, span)
}

// SpanFromContext returns the active span, or nil if none.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanContextKey).(*Span); ok {
		return span
	}
	return nil
}

// TraceContextFromContext returns the identity of the active span, or an invalid
// TraceContext when there is none.
func TraceContextFromContext(ctx context.Context) propagation.TraceContext {
	return SpanFromContext(ctx).Context()
}
