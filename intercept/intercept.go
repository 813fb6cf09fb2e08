// Package intercept runs hook chains around host calls and guarantees that every span
// a hook opens is closed exactly once, whichever way the call exits.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/rs/xid"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/metrics"
	"github.com/kzs0/tracehook/trace"
)

// State aliases the hook lifecycle states for callers that only import intercept.
type State = hook.State

const (
	StateArmed    = hook.StateArmed
	StateEntered  = hook.StateEntered
	StateReturned = hook.StateReturned
	StateErrored  = hook.StateErrored
	StateFatal    = hook.StateFatal
	StateClosed   = hook.StateClosed
)

// ErrAborted is the reason recorded on spans closed by AbortOpen when none is given.
var ErrAborted = errors.New("intercept: call aborted before it returned")

// ErrGoexit is the error after callbacks see when the original call ended its
// goroutine with runtime.Goexit instead of returning.
var ErrGoexit = errors.New("intercept: call exited its goroutine")

// CallFunc is the original call being intercepted.
type CallFunc func(ctx context.Context) (any, error)

// PanicError is what after callbacks see when the original call panicked. The
// interceptor re-panics with Value once the callbacks have run.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackTrace returns the goroutine stack captured at recovery.
func (e *PanicError) StackTrace() string {
	return string(e.Stack)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Interceptor resolves and runs hook chains.
type Interceptor struct {
	reg     *hook.Registry
	tracer  *trace.Tracer
	logger  logr.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	open map[xid.ID]*Invocation
}

// Option configures an Interceptor.
type Option func(*Interceptor)

func WithLogger(logger logr.Logger) Option {
	return func(ic *Interceptor) {
		ic.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ic *Interceptor) {
		ic.metrics = m
	}
}

// New creates an interceptor resolving chains from reg and opening spans with tracer.
func New(reg *hook.Registry, tracer *trace.Tracer, opts ...Option) *Interceptor {
	ic := &Interceptor{
		reg:    reg,
		tracer: tracer,
		logger: logr.Discard(),
		open:   make(map[xid.ID]*Invocation),
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

// Invoke runs fn surrounded by the chain registered for site. The value and error
// returned are exactly those of fn. A panic in fn is re-raised after the after
// callbacks have run. If fn calls runtime.Goexit the callbacks still run, with
// ErrGoexit as the error, before the goroutine ends.
func (ic *Interceptor) Invoke(ctx context.Context, site hook.CallSite, args []any, fn CallFunc) (any, error) {
	if ic == nil {
		return fn(ctx)
	}
	chain := ic.reg.Resolve(site)
	if chain.Empty() {
		return fn(ctx)
	}

	inv := ic.arm(ctx, site, args, chain)
	ic.enter(inv)

	for i, e := range chain {
		if e.Pair.Before != nil {
			inv.runBefore(i, e)
		}
	}

	returned := false
	defer func() {
		if !returned {
			ic.finish(inv, chain, nil, ErrGoexit)
		}
	}()

	value, pe, err := inv.call(fn)
	returned = true
	ic.finish(inv, chain, value, err)

	if pe != nil {
		panic(pe.Value)
	}
	return value, err
}

// finish settles the invocation, runs the after callbacks, closes each pair's spans
// and removes the invocation from the open set.
func (ic *Interceptor) finish(inv *Invocation, chain hook.Chain, value any, err error) {
	inv.settle(err)

	res := hook.Result{Value: value, Err: err}
	for i, e := range chain {
		if e.Pair.After != nil {
			inv.runAfter(i, e, res)
		}
		inv.closePair(i, err)
	}

	ic.exit(inv)
}

// Call is the typed form of Invoke.
func Call[T any](ctx context.Context, ic *Interceptor, site hook.CallSite, args []any, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := ic.Invoke(ctx, site, args, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	t, _ := v.(T)
	return t, err
}

// AbortOpen moves every in-flight invocation to the fatal state and closes all the
// spans they own with reason as the error. It returns the number of spans closed.
func (ic *Interceptor) AbortOpen(reason error) int {
	if ic == nil {
		return 0
	}
	if reason == nil {
		reason = ErrAborted
	}
	ic.mu.Lock()
	invs := make([]*Invocation, 0, len(ic.open))
	for id, inv := range ic.open {
		invs = append(invs, inv)
		delete(ic.open, id)
	}
	ic.mu.Unlock()

	closed := 0
	for _, inv := range invs {
		closed += inv.abort(reason)
	}
	if closed > 0 {
		ic.logger.Info("closed spans of interrupted calls", "spans", closed, "calls", len(invs), "reason", reason.Error())
	}
	ic.metrics.FatalClosed(closed)
	return closed
}

// Open returns the number of in-flight invocations.
func (ic *Interceptor) Open() int {
	if ic == nil {
		return 0
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.open)
}

func (ic *Interceptor) arm(ctx context.Context, site hook.CallSite, args []any, chain hook.Chain) *Invocation {
	return &Invocation{
		id:    xid.New(),
		ic:    ic,
		site:  site,
		args:  args,
		chain: chain,
		ctx:   ctx,
		state: StateArmed,
		spans: make([][]*ownedSpan, len(chain)),
		first: make([]*trace.Span, len(chain)),
	}
}

func (ic *Interceptor) enter(inv *Invocation) {
	inv.mu.Lock()
	inv.start = time.Now()
	inv.state = StateEntered
	inv.mu.Unlock()

	ic.mu.Lock()
	ic.open[inv.id] = inv
	ic.mu.Unlock()

	ic.metrics.InvocationStarted()
	ic.logger.V(1).Info("invocation entered", "site", inv.site.String(), "id", inv.id.String(), "pairs", len(inv.chain))
}

func (ic *Interceptor) exit(inv *Invocation) {
	ic.mu.Lock()
	delete(ic.open, inv.id)
	ic.mu.Unlock()

	inv.mu.Lock()
	inv.state = StateClosed
	inv.mu.Unlock()

	ic.metrics.InvocationFinished(time.Since(inv.start))
}
