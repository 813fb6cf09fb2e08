package trace

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/kzs0/tracehook/internal"
)

// Recorder is an in-memory Exporter that keeps every finished span.
type Recorder struct {
	mu    sync.Mutex
	spans []*Span
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ExportSpans(_ context.Context, spans []*Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, spans...)
	return nil
}

func (r *Recorder) Shutdown(context.Context) error {
	return nil
}

// Spans returns the finished spans in the order they finished.
func (r *Recorder) Spans() []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Span, len(r.spans))
	copy(out, r.spans)
	return out
}

// Named returns the finished spans with the given name.
func (r *Recorder) Named(name string) []*Span {
	var out []*Span
	for _, s := range r.Spans() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops all recorded spans.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = nil
}

// LogExporter writes each finished span as a structured log line at V(1).
type LogExporter struct {
	logger logr.Logger
}

// NewLogExporter creates an exporter writing to logger.
func NewLogExporter(logger logr.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

func (e *LogExporter) ExportSpans(_ context.Context, spans []*Span) error {
	for _, s := range spans {
		e.logger.V(1).Info("span finished",
			"name", s.Name(),
			"resource", s.Resource(),
			"service", s.Service(),
			"trace_id", s.TraceID().String(),
			"span_id", internal.SpanIDHex(s.SpanID()),
			"parent_id", internal.SpanIDHex(s.ParentID()),
			"duration", s.Duration(),
			"error", s.IsError(),
			"meta", s.Meta(),
			"metrics", s.Metrics(),
		)
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}

// MultiExporter fans spans out to several exporters and returns the first error.
type MultiExporter []Exporter

func (m MultiExporter) ExportSpans(ctx context.Context, spans []*Span) error {
	var first error
	for _, e := range m {
		if err := e.ExportSpans(ctx, spans); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiExporter) Shutdown(ctx context.Context) error {
	var first error
	for _, e := range m {
		if err := e.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
