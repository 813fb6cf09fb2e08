// Package tracehook is an interception and context-propagation engine for APM
// instrumentation.
//
// An Engine wires the hook registry, the call interceptor, the context codec and the
// integration lifecycle manager together. The host creates one at startup, boots it
// with the integrations it wants, and then routes calls through the interceptor,
// usually from wrappers such as nethttp.Middleware or httpclient.Transport.
//
// Usage:
//
//	engine, err := tracehook.New(tracehook.MustFromEnv())
//	if err != nil {
//		atexit.Fatal(err)
//	}
//	engine.Boot(ctx, engine.DefaultIntegrations()...)
//	defer engine.Shutdown(context.Background())
//
//	http.ListenAndServe(":8080", nethttp.Middleware(engine.Interceptor(), mux))
package tracehook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tebeka/atexit"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/integrations/broker"
	"github.com/kzs0/tracehook/integrations/httpclient"
	"github.com/kzs0/tracehook/integrations/httpsec"
	"github.com/kzs0/tracehook/integrations/nethttp"
	"github.com/kzs0/tracehook/intercept"
	"github.com/kzs0/tracehook/log"
	"github.com/kzs0/tracehook/metrics"
	"github.com/kzs0/tracehook/server"
	"github.com/kzs0/tracehook/trace"
)

var (
	// ErrProcessExit is the error recorded on spans closed because the process exited
	// while their call was still running.
	ErrProcessExit = errors.New("tracehook: process exiting")
	ErrBooted      = errors.New("tracehook: engine already booted")
)

// DefaultCapabilities are declared when the host does not pass WithCapabilities.
var DefaultCapabilities = []string{nethttp.Capability, httpclient.Capability, broker.Capability}

// Engine is the composition root.
type Engine struct {
	config Config

	logger      logr.Logger
	metrics     *metrics.Metrics
	tracer      *trace.Tracer
	propagator  *trace.Propagator
	registry    *hook.Registry
	interceptor *intercept.Interceptor
	caps        *integration.Capabilities
	manager     *integration.Manager
	server      *server.Server

	bootMu sync.Mutex
	booted bool

	exitHandler    atexit.HandlerID
	hasExitHandler bool

	isNoop bool
}

type engineOptions struct {
	logger     *logr.Logger
	logOutput  io.Writer
	exporter   trace.Exporter
	registerer prometheus.Registerer
	caps       []string
	capsSet    bool
}

// Option configures New.
type Option func(*engineOptions)

// WithLogger uses logger instead of building one from the config.
func WithLogger(logger logr.Logger) Option {
	return func(o *engineOptions) {
		o.logger = &logger
	}
}

// WithLogOutput sends the engine's log lines to w.
func WithLogOutput(w io.Writer) Option {
	return func(o *engineOptions) {
		o.logOutput = w
	}
}

// WithExporter receives finished spans. Defaults to a logging exporter at V(1).
func WithExporter(exp trace.Exporter) Option {
	return func(o *engineOptions) {
		o.exporter = exp
	}
}

// WithRegisterer registers the engine's collectors with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) {
		o.registerer = reg
	}
}

// WithCapabilities declares the host capabilities integrations may require.
func WithCapabilities(names ...string) Option {
	return func(o *engineOptions) {
		o.caps = append(o.caps, names...)
		o.capsSet = true
	}
}

// New creates an engine. Nothing is hooked until Boot.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Service == "" {
		cfg.Service = "unknown"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{config: cfg}

	if o.logger != nil {
		e.logger = *o.logger
	} else {
		lc := cfg.logConfig()
		lc.Output = o.logOutput
		logger, err := log.New(lc)
		if err != nil {
			return nil, fmt.Errorf("tracehook: %w", err)
		}
		e.logger = logger
	}
	e.logger = e.logger.WithName("tracehook").WithValues("service", cfg.Service)

	pcfg, err := cfg.propagationConfig()
	if err != nil {
		return nil, fmt.Errorf("tracehook: %w", err)
	}

	e.metrics = metrics.New(o.registerer)
	e.propagator = trace.NewPropagator(pcfg, trace.WithDecodeObserver(e.metrics.ContextDecoded))

	exporter := o.exporter
	if exporter == nil {
		exporter = trace.NewLogExporter(e.logger)
	}
	e.tracer = trace.NewTracer(trace.Config{
		Service:  cfg.Service,
		Env:      cfg.Env,
		Version:  cfg.Version,
		Exporter: exporter,
		Logger:   e.logger,
	})

	e.registry = hook.NewRegistry()
	e.interceptor = intercept.New(e.registry, e.tracer,
		intercept.WithLogger(e.logger),
		intercept.WithMetrics(e.metrics),
	)

	caps := DefaultCapabilities
	if o.capsSet {
		caps = o.caps
	}
	e.caps = integration.NewCapabilities(caps...)
	e.manager = integration.NewManager(e.registry, e.caps,
		integration.WithLogger(e.logger),
		integration.WithMetrics(e.metrics),
		integration.WithEnabled(cfg.IntegrationEnabled),
	)

	if cfg.CloseSpansOnExit {
		e.exitHandler = atexit.Register(e.closeOnExit)
		e.hasExitHandler = true
	}

	return e, nil
}

// DefaultIntegrations returns the bundled integrations configured with the engine's
// propagator.
func (e *Engine) DefaultIntegrations() []integration.Descriptor {
	return []integration.Descriptor{
		nethttp.Descriptor(nethttp.Config{Propagator: e.propagator}),
		httpsec.Descriptor(httpsec.Config{}),
		httpclient.Descriptor(httpclient.Config{Propagator: e.propagator}),
		broker.Descriptor(broker.Config{Propagator: e.propagator}),
	}
}

// Boot loads the integrations, applying the manifest from Config.IntegrationsFile
// first, and seals the registry. One integration failing never stops the others.
// Boot may run once.
func (e *Engine) Boot(ctx context.Context, ds ...integration.Descriptor) (map[string]integration.State, error) {
	e.bootMu.Lock()
	defer e.bootMu.Unlock()
	if e.booted {
		return nil, ErrBooted
	}
	e.booted = true

	if !e.config.TraceEnabled {
		e.registry.Seal()
		e.logger.Info("tracing disabled, no integration loaded")
		return map[string]integration.State{}, nil
	}

	if e.config.IntegrationsFile != "" {
		man, err := integration.LoadManifest(e.config.IntegrationsFile)
		if err != nil {
			e.registry.Seal()
			return nil, fmt.Errorf("tracehook: %w", err)
		}
		ds = e.manager.ApplyManifest(man, ds)
	}

	states := e.manager.LoadAll(ds)
	e.registry.Seal()

	loaded := 0
	for _, s := range states {
		if s == integration.Loaded {
			loaded++
		}
	}
	e.logger.Info("engine booted", "integrations", len(states), "loaded", loaded,
		"callSites", len(e.registry.Sites()))

	if e.config.ServerEnabled {
		e.server = server.New(e.config.serverConfig(), e.metrics, e.manager, e.registry,
			server.WithLogger(e.logger))
		go func() {
			if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error(err, "debug server stopped", "addr", e.config.ServerAddr)
			}
		}()
	}

	return states, nil
}

// closeOnExit closes the spans of every in-flight call and flushes the exporter.
func (e *Engine) closeOnExit() {
	n := e.interceptor.AbortOpen(ErrProcessExit)
	if n > 0 {
		e.logger.Info("closed spans of in-flight calls on exit", "spans", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
	defer cancel()
	if err := e.tracer.Shutdown(ctx); err != nil {
		e.logger.Error(err, "failed to flush spans on exit")
	}
}

// Shutdown stops the debug server and the exporter. If ctx has no deadline the
// configured ShutdownTimeout applies.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.hasExitHandler {
		_ = e.exitHandler.Cancel()
		e.hasExitHandler = false
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if e.server != nil {
		errs = append(errs, e.server.Shutdown(ctx))
	}
	if e.tracer != nil {
		errs = append(errs, e.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Logger returns the engine logger.
func (e *Engine) Logger() logr.Logger {
	return e.logger
}

// Metrics returns the engine's own collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Tracer returns the tracer.
func (e *Engine) Tracer() *trace.Tracer {
	return e.tracer
}

// Propagator returns the configured context propagator.
func (e *Engine) Propagator() *trace.Propagator {
	return e.propagator
}

// Registry returns the hook registry.
func (e *Engine) Registry() *hook.Registry {
	return e.registry
}

// Interceptor returns the call interceptor. It is nil for the noop engine, which
// Invoke treats as a pass-through.
func (e *Engine) Interceptor() *intercept.Interceptor {
	return e.interceptor
}

// Capabilities returns the capability set. Capabilities must be declared before Boot.
func (e *Engine) Capabilities() *integration.Capabilities {
	return e.caps
}

// Integrations returns the lifecycle manager.
func (e *Engine) Integrations() *integration.Manager {
	return e.manager
}

// IsNoop returns true if this is the noop engine.
func (e *Engine) IsNoop() bool {
	return e.isNoop
}
