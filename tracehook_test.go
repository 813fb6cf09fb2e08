package tracehook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/integrations/httpsec"
	"github.com/kzs0/tracehook/integrations/nethttp"
	"github.com/kzs0/tracehook/propagation"
	"github.com/kzs0/tracehook/trace"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Service = "test-service"
	cfg.CloseSpansOnExit = false
	return cfg
}

func newEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *trace.Recorder) {
	t.Helper()
	rec := trace.NewRecorder()
	opts = append([]Option{
		WithExporter(rec),
		WithRegisterer(prometheus.NewRegistry()),
		WithLogOutput(&bytes.Buffer{}),
	}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, rec
}

func TestBootDefaultIntegrations(t *testing.T) {
	e, _ := newEngine(t, testConfig())

	states, err := e.Boot(context.Background(), e.DefaultIntegrations()...)
	require.NoError(t, err)
	for name, s := range states {
		assert.Equal(t, integration.Loaded, s, name)
	}
	assert.Len(t, states, 4)
	assert.True(t, e.Registry().Sealed())
	assert.Len(t, e.Registry().Resolve(nethttp.ServeHTTP), 2)

	_, err = e.Boot(context.Background())
	assert.ErrorIs(t, err, ErrBooted)
}

func TestBootRespectsCapabilitiesAndSwitches(t *testing.T) {
	t.Setenv("TRACEHOOK_HTTPCLIENT_ENABLED", "false")
	cfg := testConfig()
	cfg.DisabledIntegrations = []string{"HTTPSEC"}

	e, _ := newEngine(t, cfg, WithCapabilities(nethttp.Capability))
	states, err := e.Boot(context.Background(), e.DefaultIntegrations()...)
	require.NoError(t, err)

	assert.Equal(t, integration.Loaded, states["nethttp"])
	assert.Equal(t, integration.NotAvailable, states["httpsec"])
	assert.Equal(t, integration.NotAvailable, states["httpclient"])
	assert.Equal(t, integration.NotAvailable, states["broker"])
	assert.ErrorIs(t, e.Integrations().Reason("httpsec"), integration.ErrDisabled)
	assert.ErrorIs(t, e.Integrations().Reason("broker"), integration.ErrMissingCapability)
}

func TestBootWithManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrations.yaml")
	require.NoError(t, os.WriteFile(path, []byte("integrations:\n  - name: httpsec\n    enabled: false\n"), 0o600))

	cfg := testConfig()
	cfg.IntegrationsFile = path
	e, _ := newEngine(t, cfg)

	states, err := e.Boot(context.Background(), e.DefaultIntegrations()...)
	require.NoError(t, err)
	assert.NotContains(t, states, "httpsec")
	assert.Equal(t, integration.NotAvailable, e.Integrations().State("httpsec"))
	assert.Len(t, e.Registry().Resolve(nethttp.ServeHTTP), 1)
}

func TestBootMissingManifest(t *testing.T) {
	cfg := testConfig()
	cfg.IntegrationsFile = filepath.Join(t.TempDir(), "missing.yaml")
	e, _ := newEngine(t, cfg)

	_, err := e.Boot(context.Background(), e.DefaultIntegrations()...)
	assert.Error(t, err)
	assert.True(t, e.Registry().Sealed())
}

func TestTraceDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.TraceEnabled = false
	e, rec := newEngine(t, cfg)

	states, err := e.Boot(context.Background(), e.DefaultIntegrations()...)
	require.NoError(t, err)
	assert.Empty(t, states)

	h := nethttp.Middleware(e.Interceptor(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rec.Spans())
}

func TestEndToEndHTTP(t *testing.T) {
	e, rec := newEngine(t, testConfig())
	_, err := e.Boot(context.Background(), e.DefaultIntegrations()...)
	require.NoError(t, err)

	h := nethttp.Middleware(e.Interceptor(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Logger(r.Context()).Info("handling")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.Header.Set("x-datadog-trace-id", "1234")
	req.Header.Set("x-datadog-parent-id", "5678")
	req.Header.Set("x-datadog-sampling-priority", "2")
	req.Header.Set("X-Real-Ip", "198.51.100.9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Named("http.request")
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, uint64(1234), span.TraceID().Low)
	assert.Equal(t, uint64(5678), span.ParentID())
	assert.Equal(t, "test-service", span.Service())
	p, _ := span.SamplingPriority()
	assert.Equal(t, propagation.PriorityUserKeep, p)
	ip, _ := span.Tag(httpsec.TagClientIP)
	assert.Equal(t, "198.51.100.9", ip)
}

func TestCloseOnExit(t *testing.T) {
	e, rec := newEngine(t, testConfig())
	site := hook.CallSite{Package: "example.com/jobs", Method: "Run"}
	_, err := e.Boot(context.Background(), integration.Descriptor{
		Name: "jobs",
		Register: func(r *hook.Registrar) error {
			return r.Register(site, nil, hook.Pair{
				Before: func(inv hook.Invocation) error {
					inv.StartSpan("job.run")
					return nil
				},
			})
		},
	})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Interceptor().Invoke(context.Background(), site, nil, func(context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		})
	}()
	<-entered

	e.closeOnExit()
	spans := rec.Named("job.run")
	require.Len(t, spans, 1)
	assert.True(t, spans[0].IsError())
	msg, _ := spans[0].Tag(trace.TagErrorMessage)
	assert.Equal(t, ErrProcessExit.Error(), msg)

	close(release)
	<-done
	assert.Len(t, rec.Named("job.run"), 1, "span is closed exactly once")
}

func TestShutdownStopsServer(t *testing.T) {
	cfg := testConfig()
	cfg.ServerEnabled = true
	cfg.ServerAddr = "127.0.0.1:0"
	e, _ := newEngine(t, cfg)
	_, err := e.Boot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, e.Shutdown(ctx))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PropagationInject = []string{"b3"}
	_, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	assert.ErrorIs(t, err, propagation.ErrUnknownScheme)

	cfg = testConfig()
	cfg.LogFormat = "xml"
	_, err = New(cfg, WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestInitAndPackageAPI(t *testing.T) {
	rec := trace.NewRecorder()
	ctx, cleanup := Init(context.Background(),
		WithConfig(testConfig()),
		WithOptions(WithExporter(rec), WithRegisterer(prometheus.NewRegistry()), WithLogOutput(&bytes.Buffer{})),
	)
	defer cleanup()

	e := FromContext(ctx)
	require.NotNil(t, e)
	assert.False(t, e.IsNoop())
	assert.True(t, e.Registry().Sealed())

	ctx, span := StartSpan(ctx, "outer")
	carrier := propagation.TextMapCarrier{}
	Inject(ctx, carrier)
	span.Finish()

	tc, ok := Extract(ctx, carrier)
	require.True(t, ok)
	assert.Equal(t, span.SpanID(), tc.ParentID())
	assert.Len(t, rec.Named("outer"), 1)
}

func TestPackageAPIWithoutEngine(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.True(t, engineFromContext(ctx).IsNoop())

	site := hook.CallSite{Package: "example.com/x", Method: "Do"}
	failure := errors.New("failed")
	_, err := Invoke(ctx, site, nil, func(context.Context) (any, error) { return nil, failure })
	assert.True(t, err == failure)

	n, err := Call(ctx, site, nil, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	assert.NotPanics(t, func() {
		Logger(ctx).Info("discarded")
		Inject(ctx, propagation.TextMapCarrier{})
	})
}
