package tracehook

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/intercept"
	"github.com/kzs0/tracehook/log"
	"github.com/kzs0/tracehook/propagation"
	"github.com/kzs0/tracehook/trace"
)

// Init creates and boots an engine with the bundled integrations and returns a
// context carrying it and a cleanup function. If no config is provided, it loads
// from environment variables.
//
// Usage:
//
//	ctx, close := tracehook.Init(ctx, tracehook.WithConfig(cfg))
//	defer close()
func Init(ctx context.Context, opts ...InitOption) (context.Context, func()) {
	ic := applyInitOptions(opts)

	if ic.config == nil {
		envCfg, err := FromEnv()
		if err != nil {
			envCfg = DefaultConfig()
		}
		ic.config = &envCfg
	}

	e, err := New(*ic.config, ic.engineOptions...)
	if err != nil {
		panic(fmt.Errorf("tracehook: failed to initialize: %w", err))
	}
	if _, err := e.Boot(ctx, e.DefaultIntegrations()...); err != nil {
		e.logger.Error(err, "boot failed, continuing without integrations")
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			e.logger.Error(err, "shutdown failed")
		}
	}

	return WithEngine(ctx, e), cleanup
}

// InitOption configures initialization.
type InitOption func(*initConfig)

type initConfig struct {
	config        *Config
	engineOptions []Option
}

// WithConfig provides an explicit configuration.
func WithConfig(cfg Config) InitOption {
	return func(c *initConfig) {
		c.config = &cfg
	}
}

// WithOptions passes options through to New.
func WithOptions(opts ...Option) InitOption {
	return func(c *initConfig) {
		c.engineOptions = append(c.engineOptions, opts...)
	}
}

func applyInitOptions(opts []InitOption) initConfig {
	var cfg initConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Invoke runs fn through the interceptor of the engine in ctx. Without an engine
// fn runs directly.
func Invoke(ctx context.Context, site hook.CallSite, args []any, fn intercept.CallFunc) (any, error) {
	return engineFromContext(ctx).interceptor.Invoke(ctx, site, args, fn)
}

// Call is the typed form of Invoke.
//
// Usage:
//
//	rows, err := tracehook.Call(ctx, querySite, []any{query}, func(ctx context.Context) (*sql.Rows, error) {
//		return db.QueryContext(ctx, query)
//	})
func Call[T any](ctx context.Context, site hook.CallSite, args []any, fn func(ctx context.Context) (T, error)) (T, error) {
	return intercept.Call(ctx, engineFromContext(ctx).interceptor, site, args, fn)
}

// StartSpan starts a span with the tracer of the engine in ctx. The span becomes a
// child of the active span in ctx, if any.
func StartSpan(ctx context.Context, name string, opts ...trace.StartOption) (context.Context, *trace.Span) {
	return engineFromContext(ctx).tracer.Start(ctx, name, opts...)
}

// Inject writes the active span's context into carrier with the engine's schemes.
func Inject(ctx context.Context, carrier propagation.TextMapWriter) {
	engineFromContext(ctx).propagator.Inject(ctx, carrier)
}

// Extract decodes a remote context from carrier with the engine's schemes.
func Extract(ctx context.Context, carrier propagation.TextMapReader) (propagation.TraceContext, bool) {
	return engineFromContext(ctx).propagator.Extract(carrier)
}

// Logger returns the engine logger annotated with the active span in ctx.
func Logger(ctx context.Context) logr.Logger {
	return log.WithSpan(ctx, engineFromContext(ctx).logger)
}
