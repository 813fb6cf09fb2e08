package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/trace"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Output: &buf})
	require.NoError(t, err)

	logger.Info("integration loaded", "integration", "nethttp")
	logger.V(1).Info("hidden at info level")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "integration loaded", got[0]["msg"])
	assert.Equal(t, "nethttp", got[0]["integration"])
}

func TestNewLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Output: &buf})
	require.NoError(t, err)

	logger.V(1).Info("chain resolved")
	assert.Len(t, lines(t, &buf), 1)

	buf.Reset()
	logger, err = New(Config{Level: "not-a-level", Output: &buf})
	require.NoError(t, err)
	logger.V(1).Info("debug")
	logger.Info("info")
	assert.Len(t, lines(t, &buf), 1)
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "console", Output: &buf})
	require.NoError(t, err)

	logger.Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNewUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestWithSpan(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	require.NoError(t, err)

	WithSpan(context.Background(), logger).Info("no span")

	tracer := trace.NewTracer(trace.Config{})
	ctx, span := tracer.Start(context.Background(), "op")
	defer span.Finish()
	WithSpan(ctx, logger).Info("in span")

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.NotContains(t, got[0], "trace_id")
	assert.Equal(t, span.TraceID().String(), got[1]["trace_id"])
	assert.Equal(t, internal.SpanIDHex(span.SpanID()), got[1]["span_id"])
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	require.NoError(t, err)

	ctx := IntoContext(context.Background(), logger)
	FromContext(ctx).Info("from context")
	assert.Len(t, lines(t, &buf), 1)

	assert.NotPanics(t, func() {
		FromContext(context.Background()).Info("discarded")
	})
}
