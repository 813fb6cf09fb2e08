package rpc

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzs0/tracehook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/trace"
)

func setup(t *testing.T) (*Client, *Server, *trace.Recorder) {
	t.Helper()
	cfg := tracehook.DefaultConfig()
	cfg.Service = "rpc-test"
	cfg.CloseSpansOnExit = false

	rec := trace.NewRecorder()
	e, err := tracehook.New(cfg,
		tracehook.WithExporter(rec),
		tracehook.WithRegisterer(prometheus.NewRegistry()),
		tracehook.WithLogOutput(&bytes.Buffer{}),
		tracehook.WithCapabilities(Capability),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	states, err := e.Boot(context.Background(), Descriptor(e.Propagator()))
	require.NoError(t, err)
	require.Equal(t, integration.Loaded, states[Name])

	srv := NewServer(e.Interceptor())
	return NewClient(e.Interceptor(), srv), srv, rec
}

func TestCallSharesTrace(t *testing.T) {
	client, srv, rec := setup(t)
	srv.Handle("Echo", func(_ context.Context, body []byte) ([]byte, error) {
		return body, nil
	})

	resp, err := client.Call(context.Background(), "Echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), resp)

	clients := rec.Named("rpc.client")
	servers := rec.Named("rpc.server")
	require.Len(t, clients, 1)
	require.Len(t, servers, 1)
	assert.Equal(t, clients[0].TraceID(), servers[0].TraceID())
	assert.Equal(t, clients[0].SpanID(), servers[0].ParentID())
	assert.Equal(t, "Echo", servers[0].Resource())
}

func TestHandlerError(t *testing.T) {
	client, srv, rec := setup(t)
	failure := errors.New("boom")
	srv.Handle("Fail", func(context.Context, []byte) ([]byte, error) {
		return nil, failure
	})

	_, err := client.Call(context.Background(), "Fail", nil)
	assert.ErrorIs(t, err, failure)
	require.Len(t, rec.Named("rpc.server"), 1)
	assert.True(t, rec.Named("rpc.server")[0].IsError())
	assert.True(t, rec.Named("rpc.client")[0].IsError())
}

func TestUnknownMethod(t *testing.T) {
	client, _, _ := setup(t)
	_, err := client.Call(context.Background(), "Missing", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestMetadataCarrier(t *testing.T) {
	md := Metadata{}
	md.Set("X-Datadog-Trace-Id", "1")
	assert.Equal(t, []string{"1"}, md["x-datadog-trace-id"])

	seen := map[string]string{}
	_ = md.ForeachKey(func(k, v string) error {
		seen[k] = v
		return nil
	})
	assert.Equal(t, map[string]string{"x-datadog-trace-id": "1"}, seen)
}
