package trace

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/propagation"
)

// Kind represents the role of a span in a trace.
type Kind int

const (
	KindInternal Kind = iota
	KindServer
	KindClient
	KindProducer
	KindConsumer
)

// String returns the value recorded under the span.kind tag.
func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	default:
		return "internal"
	}
}

// Well-known tag keys.
const (
	TagSpanKind     = "span.kind"
	TagEnv          = "env"
	TagVersion      = "version"
	TagOrigin       = "_dd.origin"
	TagErrorMessage = "error.message"
	TagErrorType    = "error.type"
	TagErrorStack   = "error.stack"
	MetricPriority  = "_sampling_priority_v1"
)

// Span is a single timed unit of work.
// All methods are safe for concurrent use and on a nil *Span.
type Span struct {
	mu sync.Mutex

	name     string
	resource string
	service  string
	spanType string
	kind     Kind

	traceID  internal.TraceID
	spanID   uint64
	parentID uint64

	start    time.Time
	duration time.Duration

	meta    map[string]string
	metrics map[string]float64

	errored      bool
	errorHandled bool

	priority    propagation.Priority
	hasPriority bool
	origin      string
	propagated  map[string]string
	vendorState []string

	tracer   *Tracer
	finished bool
}

// stackTracer is implemented by errors that carry the stack of where they originated.
type stackTracer interface {
	StackTrace() string
}

func (s *Span) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

func (s *Span) Service() string {
	if s == nil {
		return ""
	}
	return s.service
}

func (s *Span) Kind() Kind {
	if s == nil {
		return KindInternal
	}
	return s.kind
}

func (s *Span) TraceID() internal.TraceID {
	if s == nil {
		return internal.TraceID{}
	}
	return s.traceID
}

func (s *Span) SpanID() uint64 {
	if s == nil {
		return 0
	}
	return s.spanID
}

// ParentID returns the parent span ID, or 0 for a root span.
func (s *Span) ParentID() uint64 {
	if s == nil {
		return 0
	}
	return s.parentID
}

func (s *Span) StartTime() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.start
}

// Resource returns the resource name, which defaults to the span name.
func (s *Span) Resource() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource
}

func (s *Span) Type() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spanType
}

// Duration returns the final duration once finished, or the time elapsed so far.
func (s *Span) Duration() time.Duration {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		return time.Since(s.start)
	}
	return s.duration
}

// Tag returns the string tag stored under key.
func (s *Span) Tag(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok
}

// Metric returns the numeric tag stored under key.
func (s *Span) Metric(key string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metrics[key]
	return v, ok
}

// Meta returns a copy of the string tags.
func (s *Span) Meta() map[string]string {
	out := make(map[string]string)
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.meta {
		out[k] = v
	}
	return out
}

// Metrics returns a copy of the numeric tags.
func (s *Span) Metrics() map[string]float64 {
	out := make(map[string]float64)
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}

// IsError reports whether the span carries the error flag.
func (s *Span) IsError() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// Finished reports whether Finish has been called.
func (s *Span) Finished() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Span) SetResource(resource string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.resource = resource
	}
}

func (s *Span) SetType(spanType string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.spanType = spanType
	}
}

// SetTag stores value under key. Numeric values go to the metrics map, an error value
// is recorded with SetError, and anything else is stored as its string form.
func (s *Span) SetTag(key string, value any) {
	if s == nil {
		return
	}
	if err, ok := value.(error); ok {
		s.SetError(err)
		return
	}
	if f, ok := toFloat(value); ok {
		s.SetMetric(key, f)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	switch v := value.(type) {
	case string:
		s.meta[key] = v
	case []byte:
		s.meta[key] = string(v)
	case fmt.Stringer:
		s.meta[key] = v.String()
	default:
		s.meta[key] = fmt.Sprint(v)
	}
}

// SetMetric stores a numeric tag.
func (s *Span) SetMetric(key string, value float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.metrics[key] = value
	}
}

// SetError records err on the span. A nil err clears the error flag and marks the
// outcome as handled, so a later Finish(WithError(...)) leaves the span alone.
func (s *Span) SetError(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if err == nil {
		s.errored = false
		s.errorHandled = true
		delete(s.meta, TagErrorMessage)
		delete(s.meta, TagErrorType)
		delete(s.meta, TagErrorStack)
		return
	}
	s.setErrorLocked(err)
}

func (s *Span) setErrorLocked(err error) {
	s.errored = true
	s.meta[TagErrorMessage] = err.Error()
	s.meta[TagErrorType] = reflect.TypeOf(err).String()
	if st, ok := err.(stackTracer); ok {
		s.meta[TagErrorStack] = st.StackTrace()
	}
}

// SetSamplingPriority overrides the priority inherited from the parent.
func (s *Span) SetSamplingPriority(p propagation.Priority) {
	if s == nil || !p.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.priority = p
	s.hasPriority = true
	s.metrics[MetricPriority] = float64(p)
}

// SamplingPriority returns the span's priority and whether one is set.
func (s *Span) SamplingPriority() (propagation.Priority, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority, s.hasPriority
}

// Context returns the identity child spans and downstream services should attach to.
func (s *Span) Context() propagation.TraceContext {
	if s == nil {
		return propagation.TraceContext{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := []propagation.Option{
		propagation.WithOrigin(s.origin),
		propagation.WithTags(s.propagated),
		propagation.WithVendorState(s.vendorState...),
	}
	if s.hasPriority {
		opts = append(opts, propagation.WithPriority(s.priority))
	}
	return propagation.NewTraceContext(s.traceID, s.spanID, opts...)
}

// FinishConfig holds the options applied by Finish.
type FinishConfig struct {
	FinishTime time.Time
	Error      error
}

// FinishOption configures Finish.
type FinishOption func(*FinishConfig)

// FinishTime sets the end time of the span.
func FinishTime(t time.Time) FinishOption {
	return func(c *FinishConfig) {
		c.FinishTime = t
	}
}

// WithError marks the span as errored when it finishes. It does not override an
// error already recorded nor an explicit SetError(nil).
func WithError(err error) FinishOption {
	return func(c *FinishConfig) {
		c.Error = err
	}
}

// Finish ends the span and hands it to the exporter. Only the first call has any effect.
func (s *Span) Finish(opts ...FinishOption) {
	if s == nil {
		return
	}
	var cfg FinishConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if cfg.Error != nil && !s.errored && !s.errorHandled {
		s.setErrorLocked(cfg.Error)
	}
	end := cfg.FinishTime
	if end.IsZero() {
		end = time.Now()
	}
	s.duration = end.Sub(s.start)
	if s.duration < 0 {
		s.duration = 0
	}
	s.finished = true
	s.mu.Unlock()

	if s.tracer != nil {
		s.tracer.export(s)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
