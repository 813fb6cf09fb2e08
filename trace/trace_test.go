package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/propagation"
)

func TestTracerStartSpan(t *testing.T) {
	tracer := NewTracer(Config{Service: "test-service", Env: "prod"})

	ctx, span := tracer.Start(context.Background(), "test.operation")
	defer span.Finish()

	assert.Equal(t, "test.operation", span.Name())
	assert.Equal(t, "test.operation", span.Resource())
	assert.Equal(t, "test-service", span.Service())
	assert.False(t, span.TraceID().IsZero())
	assert.NotZero(t, span.SpanID())
	assert.Zero(t, span.ParentID())
	assert.Same(t, span, SpanFromContext(ctx))

	env, _ := span.Tag(TagEnv)
	assert.Equal(t, "prod", env)
	p, ok := span.SamplingPriority()
	assert.True(t, ok)
	assert.Equal(t, propagation.PriorityAutoKeep, p)
}

func TestNestedSpans(t *testing.T) {
	tracer := NewTracer(Config{})

	ctx, parent := tracer.Start(context.Background(), "parent")
	defer parent.Finish()
	parent.SetSamplingPriority(propagation.PriorityUserKeep)

	_, child := tracer.Start(ctx, "child")
	defer child.Finish()

	assert.Equal(t, parent.TraceID(), child.TraceID())
	assert.Equal(t, parent.SpanID(), child.ParentID())
	p, _ := child.SamplingPriority()
	assert.Equal(t, propagation.PriorityUserKeep, p)
}

func TestChildOfRemoteContext(t *testing.T) {
	tracer := NewTracer(Config{})
	remote := propagation.NewTraceContext(internal.TraceID{Low: 123}, 456,
		propagation.WithPriority(propagation.PriorityUserReject),
		propagation.WithOrigin("synthetics"),
		propagation.WithTags(map[string]string{"_dd.p.dm": "-4"}),
	)

	ctx, local := tracer.Start(context.Background(), "local")
	defer local.Finish()

	_, span := tracer.Start(ctx, "remote.child", ChildOf(remote))
	defer span.Finish()

	assert.Equal(t, internal.TraceID{Low: 123}, span.TraceID())
	assert.Equal(t, uint64(456), span.ParentID())
	origin, _ := span.Tag(TagOrigin)
	assert.Equal(t, "synthetics", origin)

	out := span.Context()
	assert.Equal(t, span.SpanID(), out.ParentID())
	assert.Equal(t, "synthetics", out.Origin())
	assert.Equal(t, map[string]string{"_dd.p.dm": "-4"}, out.Tags())
	p, _ := out.Priority()
	assert.Equal(t, propagation.PriorityUserReject, p)
}

func TestChildOfInvalidContextFallsBack(t *testing.T) {
	tracer := NewTracer(Config{})

	_, span := tracer.Start(context.Background(), "root", ChildOf(propagation.TraceContext{}))
	defer span.Finish()

	assert.Zero(t, span.ParentID())
	assert.False(t, span.TraceID().IsZero())
}

func TestSpanTags(t *testing.T) {
	tracer := NewTracer(Config{})

	_, span := tracer.Start(context.Background(), "test",
		WithTag("initial", "value"),
		WithKind(KindProducer),
	)
	defer span.Finish()

	span.SetTag("count", 42)
	span.SetTag("flag", true)
	span.SetMetric("ratio", 0.5)

	v, ok := span.Tag("initial")
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	n, ok := span.Metric("count")
	assert.True(t, ok)
	assert.Equal(t, 42.0, n)

	f, _ := span.Tag("flag")
	assert.Equal(t, "true", f)

	kind, _ := span.Tag(TagSpanKind)
	assert.Equal(t, "producer", kind)
}

type stackErr struct{}

func (stackErr) Error() string      { return "boom" }
func (stackErr) StackTrace() string { return "goroutine 1" }

func TestSpanSetError(t *testing.T) {
	tracer := NewTracer(Config{})
	_, span := tracer.Start(context.Background(), "test")

	span.SetError(stackErr{})
	assert.True(t, span.IsError())
	msg, _ := span.Tag(TagErrorMessage)
	assert.Equal(t, "boom", msg)
	typ, _ := span.Tag(TagErrorType)
	assert.Equal(t, "trace.stackErr", typ)
	stack, _ := span.Tag(TagErrorStack)
	assert.Equal(t, "goroutine 1", stack)

	span.SetError(nil)
	assert.False(t, span.IsError())
	_, ok := span.Tag(TagErrorMessage)
	assert.False(t, ok)

	span.Finish(WithError(errors.New("late")))
	assert.False(t, span.IsError())
}

func TestFinishWithError(t *testing.T) {
	tracer := NewTracer(Config{})

	_, span := tracer.Start(context.Background(), "test")
	span.Finish(WithError(errors.New("failed")))
	assert.True(t, span.IsError())

	_, span = tracer.Start(context.Background(), "test")
	span.SetError(errors.New("first"))
	span.Finish(WithError(errors.New("second")))
	msg, _ := span.Tag(TagErrorMessage)
	assert.Equal(t, "first", msg)
}

func TestFinishIsIdempotent(t *testing.T) {
	rec := NewRecorder()
	tracer := NewTracer(Config{Exporter: rec})

	_, span := tracer.Start(context.Background(), "test")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			span.Finish()
		}()
	}
	wg.Wait()

	assert.Len(t, rec.Spans(), 1)
	assert.True(t, span.Finished())

	span.SetTag("after", "finish")
	_, ok := span.Tag("after")
	assert.False(t, ok)
}

func TestSpanDuration(t *testing.T) {
	tracer := NewTracer(Config{})

	start := time.Now().Add(-time.Second)
	_, span := tracer.Start(context.Background(), "test", StartTime(start))
	span.Finish(FinishTime(start.Add(250 * time.Millisecond)))

	assert.Equal(t, 250*time.Millisecond, span.Duration())
	assert.Equal(t, start, span.StartTime())
}

func TestNilSpanIsSafe(t *testing.T) {
	var span *Span
	assert.NotPanics(t, func() {
		span.SetTag("k", "v")
		span.SetError(errors.New("x"))
		span.Finish()
		assert.False(t, span.Context().IsValid())
	})
}

func TestPropagatorInjectExtract(t *testing.T) {
	tracer := NewTracer(Config{})
	var observed []bool
	prop := NewPropagator(propagation.DefaultConfig(), WithDecodeObserver(func(found bool) {
		observed = append(observed, found)
	}))

	ctx, span := tracer.Start(context.Background(), "client")
	defer span.Finish()

	carrier := propagation.TextMapCarrier{}
	prop.Inject(ctx, carrier)
	assert.Contains(t, carrier, "x-datadog-trace-id")
	assert.Contains(t, carrier, "traceparent")

	tc, ok := prop.Extract(carrier)
	require.True(t, ok)
	assert.Equal(t, span.SpanID(), tc.ParentID())

	_, ok = prop.Extract(propagation.TextMapCarrier{})
	assert.False(t, ok)
	assert.Equal(t, []bool{true, false}, observed)
}

func TestInjectWithoutSpanIsNoop(t *testing.T) {
	prop := NewPropagator(propagation.DefaultConfig())
	carrier := propagation.TextMapCarrier{}
	prop.Inject(context.Background(), carrier)
	assert.Empty(t, carrier)
}

func TestRootIgnoresActiveSpan(t *testing.T) {
	tracer := NewTracer(Config{Service: "svc"})
	ctx, parent := tracer.Start(context.Background(), "parent")
	defer parent.Finish()

	_, root := tracer.Start(ctx, "root", Root())
	defer root.Finish()

	assert.NotEqual(t, parent.TraceID(), root.TraceID())
	assert.Zero(t, root.ParentID())

	_, explicit := tracer.Start(ctx, "explicit", Root(), WithParent(parent))
	defer explicit.Finish()
	assert.Equal(t, parent.SpanID(), explicit.ParentID())
}
