// Package hook holds the boot-time registry mapping call sites to ordered chains of
// before/after callbacks.
//
// Registration happens while the host is booting, from a single goroutine per
// integration. Once the registry is sealed it is read-only and resolution needs no lock.
// Registered pairs are never removed; a pair that should stop reacting must do so inside
// its callbacks.
package hook

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/kzs0/tracehook/trace"
)

// State is the lifecycle position of one intercepted call.
type State int

const (
	StateArmed State = iota
	StateEntered
	StateReturned
	StateErrored
	StateFatal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateEntered:
		return "entered"
	case StateReturned:
		return "returned"
	case StateErrored:
		return "errored"
	case StateFatal:
		return "fatal"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Invocation is the view of one intercepted call handed to hook callbacks.
type Invocation interface {
	// Context returns the context the next callback or the original call runs with.
	Context() context.Context
	Site() CallSite
	// Args returns the call arguments. Callbacks may write to carriers such as headers
	// but must not replace the arguments themselves.
	Args() []any
	// Arg returns the i-th argument, or nil when out of range.
	Arg(i int) any
	// StartTime is when the invocation was entered.
	StartTime() time.Time
	State() State
	// StartSpan opens a span owned by the running pair. In the before phase the span
	// becomes the active span for later callbacks and the original call. The interceptor
	// closes it after the pair's after callback.
	StartSpan(name string, opts ...trace.StartOption) *trace.Span
	// Logger returns a logger annotated with the call site and integration.
	Logger() logr.Logger
}

// Result is the outcome of the original call as seen by after callbacks.
type Result struct {
	Value any
	Err   error
}

// BeforeFunc runs before the original call.
type BeforeFunc func(inv Invocation) error

// AfterFunc runs after the original call. span is the span the pair opened in its
// before callback, or nil.
type AfterFunc func(inv Invocation, span *trace.Span, res Result) error

// Pair is a before/after callback pair. Either callback may be nil.
type Pair struct {
	Name   string
	Before BeforeFunc
	After  AfterFunc
}

// Guard is a boot-time capability check evaluated once when a pair is registered.
type Guard func() bool

// Entry is one registered pair with the integration that owns it.
type Entry struct {
	Integration string
	Pair        Pair
}

// Chain is the ordered list of pairs registered for a call site.
type Chain []Entry

// Empty reports whether the chain has no pairs.
func (c Chain) Empty() bool {
	return len(c) == 0
}
