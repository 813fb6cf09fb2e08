package trace

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/propagation"
)

// Exporter receives finished spans.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []*Span) error
	Shutdown(ctx context.Context) error
}

// Tracer creates spans.
type Tracer struct {
	service  string
	env      string
	version  string
	exporter Exporter
	logger   logr.Logger
}

// Config configures the tracer.
type Config struct {
	Service  string
	Env      string
	Version  string
	Exporter Exporter
	Logger   logr.Logger
}

// NewTracer creates a new tracer.
func NewTracer(cfg Config) *Tracer {
	return &Tracer{
		service:  cfg.Service,
		env:      cfg.Env,
		version:  cfg.Version,
		exporter: cfg.Exporter,
		logger:   cfg.Logger,
	}
}

// StartConfig holds the options applied by Start.
type StartConfig struct {
	Kind      Kind
	Resource  string
	SpanType  string
	Service   string
	Tags      map[string]any
	Parent    *Span
	Remote    *propagation.TraceContext
	Root      bool
	StartTime time.Time
}

// StartOption configures span creation.
type StartOption func(*StartConfig)

func WithKind(kind Kind) StartOption {
	return func(c *StartConfig) {
		c.Kind = kind
	}
}

func WithResource(resource string) StartOption {
	return func(c *StartConfig) {
		c.Resource = resource
	}
}

func WithSpanType(spanType string) StartOption {
	return func(c *StartConfig) {
		c.SpanType = spanType
	}
}

// WithService overrides the tracer's service name for this span.
func WithService(service string) StartOption {
	return func(c *StartConfig) {
		c.Service = service
	}
}

// WithTag sets an initial tag. See Span.SetTag.
func WithTag(key string, value any) StartOption {
	return func(c *StartConfig) {
		if c.Tags == nil {
			c.Tags = make(map[string]any)
		}
		c.Tags[key] = value
	}
}

// WithParent parents the span on a local span instead of the active one.
func WithParent(parent *Span) StartOption {
	return func(c *StartConfig) {
		c.Parent = parent
	}
}

// ChildOf parents the span on a decoded remote context. It takes precedence over
// any local parent. An invalid context is ignored.
func ChildOf(tc propagation.TraceContext) StartOption {
	return func(c *StartConfig) {
		if tc.IsValid() {
			c.Remote = &tc
		}
	}
}

// Root starts a new trace even when ctx carries an active span.
func Root() StartOption {
	return func(c *StartConfig) {
		c.Root = true
	}
}

// StartTime backdates the span.
func StartTime(t time.Time) StartOption {
	return func(c *StartConfig) {
		c.StartTime = t
	}
}

// Start opens a span and returns a context in which it is the active span.
// Without an explicit parent the span is parented on the active span of ctx, or starts a
// new trace when there is none.
func (t *Tracer) Start(ctx context.Context, name string, opts ...StartOption) (context.Context, *Span) {
	var cfg StartConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	span := &Span{
		name:     name,
		resource: name,
		service:  t.service,
		spanType: cfg.SpanType,
		kind:     cfg.Kind,
		spanID:   internal.NewSpanID(),
		start:    cfg.StartTime,
		meta:     make(map[string]string),
		metrics:  make(map[string]float64),
		tracer:   t,
	}
	if span.start.IsZero() {
		span.start = time.Now()
	}
	if cfg.Resource != "" {
		span.resource = cfg.Resource
	}
	if cfg.Service != "" {
		span.service = cfg.Service
	}

	parent := cfg.Parent
	if parent == nil && !cfg.Root {
		parent = SpanFromContext(ctx)
	}
	switch {
	case cfg.Remote != nil:
		inherit(span, *cfg.Remote)
	case parent != nil:
		inherit(span, parent.Context())
	default:
		span.traceID = internal.NewTraceID()
		span.priority = propagation.PriorityAutoKeep
		span.hasPriority = true
	}

	if span.hasPriority {
		span.metrics[MetricPriority] = float64(span.priority)
	}
	if span.origin != "" {
		span.meta[TagOrigin] = span.origin
	}
	if cfg.Kind != KindInternal {
		span.meta[TagSpanKind] = cfg.Kind.String()
	}
	if t.env != "" {
		span.meta[TagEnv] = t.env
	}
	if t.version != "" {
		span.meta[TagVersion] = t.version
	}
	for k, v := range cfg.Tags {
		span.SetTag(k, v)
	}

	return ContextWithSpan(ctx, span), span
}

func inherit(span *Span, tc propagation.TraceContext) {
	span.traceID = tc.TraceID()
	span.parentID = tc.ParentID()
	span.priority, span.hasPriority = tc.Priority()
	span.origin = tc.Origin()
	if tags := tc.Tags(); len(tags) > 0 {
		span.propagated = tags
	}
	span.vendorState = tc.VendorState()
}

// export hands a finished span to the exporter synchronously.
func (t *Tracer) export(span *Span) {
	if t.exporter == nil {
		return
	}
	if err := t.exporter.ExportSpans(context.Background(), []*Span{span}); err != nil {
		t.logger.Error(err, "export span", "name", span.name)
	}
}

// Shutdown shuts down the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.exporter != nil {
		return t.exporter.Shutdown(ctx)
	}
	return nil
}

// Service returns the default service name of spans.
func (t *Tracer) Service() string {
	return t.service
}
