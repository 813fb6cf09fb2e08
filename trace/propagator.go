package trace

import (
	"context"

	"github.com/kzs0/tracehook/propagation"
)

// Propagator moves the active span's identity across process boundaries using the
// configured header vocabularies. The carrier is any propagation.TextMapReader or
// TextMapWriter: http.Header through propagation.HTTPHeadersCarrier, message headers,
// or a plain map.
type Propagator struct {
	cfg      propagation.Config
	onDecode func(found bool)
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator)

// WithDecodeObserver is called after every Extract with whether a context was found.
func WithDecodeObserver(fn func(found bool)) PropagatorOption {
	return func(p *Propagator) {
		p.onDecode = fn
	}
}

// NewPropagator creates a propagator for the given scheme selection.
func NewPropagator(cfg propagation.Config, opts ...PropagatorOption) *Propagator {
	p := &Propagator{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extract decodes a remote context from the carrier. Pass the result to ChildOf.
func (p *Propagator) Extract(carrier propagation.TextMapReader) (propagation.TraceContext, bool) {
	tc, ok := p.cfg.ExtractContext(carrier)
	if p.onDecode != nil {
		p.onDecode(ok)
	}
	return tc, ok
}

// Inject writes the identity of the active span in ctx into the carrier. It is a no-op
// when ctx has no active span.
func (p *Propagator) Inject(ctx context.Context, carrier propagation.TextMapWriter) {
	span := SpanFromContext(ctx)
	if span == nil {
		return
	}
	p.cfg.InjectContext(span.Context(), carrier)
}

// InjectSpan writes the identity of span into the carrier.
func (p *Propagator) InjectSpan(span *Span, carrier propagation.TextMapWriter) {
	if span == nil {
		return
	}
	p.cfg.InjectContext(span.Context(), carrier)
}

// Config returns the scheme selection.
func (p *Propagator) Config() propagation.Config {
	return p.cfg
}
