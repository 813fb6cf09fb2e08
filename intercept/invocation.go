package intercept

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/rs/xid"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/log"
	"github.com/kzs0/tracehook/metrics"
	"github.com/kzs0/tracehook/trace"
)

type stage int

const (
	stageBefore stage = iota
	stageCall
	stageAfter
)

type ownedSpan struct {
	span   *trace.Span
	closed bool
}

// Invocation is one intercepted call. It implements hook.Invocation.
type Invocation struct {
	id    xid.ID
	ic    *Interceptor
	site  hook.CallSite
	args  []any
	chain hook.Chain
	start time.Time

	// ctx and current are only touched by the goroutine running the call.
	ctx     context.Context
	current int
	stage   stage

	mu    sync.Mutex
	state hook.State
	spans [][]*ownedSpan
	first []*trace.Span
}

var _ hook.Invocation = (*Invocation)(nil)

// ID returns the unique id of the invocation.
func (inv *Invocation) ID() string {
	return inv.id.String()
}

func (inv *Invocation) Context() context.Context {
	return inv.ctx
}

func (inv *Invocation) Site() hook.CallSite {
	return inv.site
}

func (inv *Invocation) Args() []any {
	return inv.args
}

func (inv *Invocation) Arg(i int) any {
	if i < 0 || i >= len(inv.args) {
		return nil
	}
	return inv.args[i]
}

func (inv *Invocation) StartTime() time.Time {
	return inv.start
}

func (inv *Invocation) State() hook.State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// StartSpan opens a span owned by the running pair.
func (inv *Invocation) StartSpan(name string, opts ...trace.StartOption) *trace.Span {
	ctx, span := inv.ic.tracer.Start(inv.ctx, name, opts...)

	inv.mu.Lock()
	if inv.state == StateFatal || inv.state == StateClosed {
		inv.mu.Unlock()
		span.Finish()
		return span
	}
	inv.spans[inv.current] = append(inv.spans[inv.current], &ownedSpan{span: span})
	if inv.stage == stageBefore && inv.first[inv.current] == nil {
		inv.first[inv.current] = span
	}
	inv.mu.Unlock()

	if inv.stage == stageBefore {
		inv.ctx = ctx
	}
	inv.ic.metrics.SpanOpened()
	return span
}

// Logger returns a logger annotated with the call site, the running integration and
// the active span.
func (inv *Invocation) Logger() logr.Logger {
	return log.WithSpan(inv.ctx, inv.ic.logger.WithValues(
		"site", inv.site.String(),
		"integration", inv.chain[inv.current].Integration,
	))
}

func (inv *Invocation) runBefore(i int, e hook.Entry) {
	inv.current, inv.stage = i, stageBefore
	inv.ic.metrics.HookInvoked(metrics.PhaseBefore)
	defer inv.recoverHook(metrics.PhaseBefore, e)

	if err := e.Pair.Before(inv); err != nil {
		inv.hookFailed(metrics.PhaseBefore, e, err)
	}
}

func (inv *Invocation) runAfter(i int, e hook.Entry, res hook.Result) {
	inv.current, inv.stage = i, stageAfter
	inv.ic.metrics.HookInvoked(metrics.PhaseAfter)
	defer inv.recoverHook(metrics.PhaseAfter, e)

	if err := e.Pair.After(inv, inv.first[i], res); err != nil {
		inv.hookFailed(metrics.PhaseAfter, e, err)
	}
}

func (inv *Invocation) recoverHook(phase string, e hook.Entry) {
	if r := recover(); r != nil {
		inv.hookFailed(phase, e, &PanicError{Value: r, Stack: debug.Stack()})
	}
}

func (inv *Invocation) hookFailed(phase string, e hook.Entry, err error) {
	inv.ic.metrics.HookFailed(phase, e.Integration)
	inv.ic.logger.Error(err, "hook failed",
		"site", inv.site.String(),
		"integration", e.Integration,
		"hook", e.Pair.Name,
		"phase", phase,
	)
}

// call runs the original function with the context left by the before callbacks.
func (inv *Invocation) call(fn CallFunc) (value any, pe *PanicError, err error) {
	inv.stage = stageCall
	defer func() {
		if r := recover(); r != nil {
			pe = &PanicError{Value: r, Stack: debug.Stack()}
			value, err = nil, pe
		}
	}()
	value, err = fn(inv.ctx)
	return value, nil, err
}

// settle records the outcome unless the invocation was aborted meanwhile.
func (inv *Invocation) settle(err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateEntered {
		return
	}
	if err != nil {
		inv.state = StateErrored
	} else {
		inv.state = StateReturned
	}
}

// closePair finishes every span pair i opened that is still open.
func (inv *Invocation) closePair(i int, err error) {
	inv.mu.Lock()
	outcome := inv.state.String()
	var toClose []*trace.Span
	for _, o := range inv.spans[i] {
		if !o.closed {
			o.closed = true
			toClose = append(toClose, o.span)
		}
	}
	inv.mu.Unlock()

	for _, span := range toClose {
		if err != nil {
			span.Finish(trace.WithError(err))
		} else {
			span.Finish()
		}
		inv.ic.metrics.SpanClosed(outcome)
	}
}

// abort closes every open span with the error flag and marks the invocation closed.
func (inv *Invocation) abort(reason error) int {
	inv.mu.Lock()
	inv.state = StateFatal
	var toClose []*trace.Span
	for _, owned := range inv.spans {
		for _, o := range owned {
			if !o.closed {
				o.closed = true
				toClose = append(toClose, o.span)
			}
		}
	}
	inv.state = StateClosed
	inv.mu.Unlock()

	for _, span := range toClose {
		span.SetError(reason)
		span.Finish()
		inv.ic.metrics.SpanClosed(StateFatal.String())
	}
	return len(toClose)
}
