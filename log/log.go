// Package log builds the zap-backed logr.Logger used across tracehook and
// correlates log lines with the active span.
package log

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/trace"
)

// Config configures the logger.
type Config struct {
	// Level is the minimum level (debug, info, warn, error). Unknown levels fall back to info.
	Level string
	// Format is "json" or "console". Defaults to "json".
	Format string
	// Development enables zap's development mode: stack traces on warnings and a
	// human-friendly time encoder.
	Development bool
	// Output receives log lines. Defaults to stderr.
	Output io.Writer
}

// New creates a logr.Logger backed by zap.
func New(cfg Config) (logr.Logger, error) {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Format {
	case "", "json":
		zapCfg.Encoding = "json"
	case "console", "text":
		zapCfg.Encoding = "console"
	default:
		return logr.Discard(), fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output == nil {
		zapLog, err := zapCfg.Build()
		if err != nil {
			return logr.Discard(), fmt.Errorf("log: %w", err)
		}
		return zapr.NewLogger(zapLog), nil
	}

	var enc zapcore.Encoder
	if zapCfg.Encoding == "console" {
		enc = zapcore.NewConsoleEncoder(zapCfg.EncoderConfig)
	} else {
		enc = zapcore.NewJSONEncoder(zapCfg.EncoderConfig)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(cfg.Output), zapCfg.Level)
	return zapr.NewLogger(zap.New(core)), nil
}

// WithSpan returns a logger carrying trace_id and span_id of the active span in ctx.
// The logger is returned unchanged when no span is active.
func WithSpan(ctx context.Context, logger logr.Logger) logr.Logger {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return logger
	}
	return logger.WithValues(
		"trace_id", span.TraceID().String(),
		"span_id", internal.SpanIDHex(span.SpanID()),
	)
}

type loggerKey struct{}

// IntoContext returns a context carrying logger.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a discard logger.
func FromContext(ctx context.Context) logr.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(logr.Logger); ok {
		return logger
	}
	return logr.Discard()
}
