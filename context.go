package tracehook

import (
	"context"
)

type contextKey int

const engineKey contextKey = iota

// WithEngine returns a context with the engine attached.
func WithEngine(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, engineKey, e)
}

// engineFromContext returns the engine from the context, or the noop engine.
func engineFromContext(ctx context.Context) *Engine {
	if ctx == nil {
		return noopEngine()
	}
	if e, ok := ctx.Value(engineKey).(*Engine); ok && e != nil {
		return e
	}
	return noopEngine()
}

// FromContext returns the engine from the context.
// Returns nil if no engine exists (use this for optional access).
func FromContext(ctx context.Context) *Engine {
	if ctx == nil {
		return nil
	}
	e, _ := ctx.Value(engineKey).(*Engine)
	return e
}
