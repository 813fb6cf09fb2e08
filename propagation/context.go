// Package propagation encodes and decodes distributed trace identity to and from header carriers.
//
// Two independent header vocabularies are understood:
//
//   - SchemeDatadog: x-datadog-trace-id, x-datadog-parent-id, x-datadog-sampling-priority,
//     x-datadog-origin and x-datadog-tags (the propagated tag bag).
//   - SchemeTraceContext: the W3C traceparent header plus the "dd" member of tracestate.
//
// Decoding never fails. A carrier that is empty, partial or corrupted yields "no context",
// which callers treat as a signal to start an unparented span.
package propagation

import (
	"strings"

	"github.com/kzs0/tracehook/internal"
)

// Priority is a sampling priority carried alongside the trace identity.
type Priority int

const (
	PriorityUserReject Priority = -1
	PriorityAutoReject Priority = 0
	PriorityAutoKeep   Priority = 1
	PriorityUserKeep   Priority = 2
)

// Valid reports whether p is one of the enumerated priorities.
func (p Priority) Valid() bool {
	return p >= PriorityUserReject && p <= PriorityUserKeep
}

// Sampled reports whether p keeps the trace.
func (p Priority) Sampled() bool {
	return p > 0
}

// propagatedTagPrefix is the prefix every key of the tag bag must carry.
const propagatedTagPrefix = "_dd.p."

// traceIDHighTag carries the upper 64 bits of the trace ID inside the tag bag on the wire.
const traceIDHighTag = "_dd.p.tid"

// TraceContext is the identity needed to attach a new span to an existing trace.
// It is an immutable value: accessors return copies and there are no setters.
type TraceContext struct {
	traceID     internal.TraceID
	parentID    uint64
	priority    Priority
	hasPriority bool
	origin      string
	tags        map[string]string
	vendorState []string
}

// Option configures a TraceContext at construction.
type Option func(*TraceContext)

// WithPriority sets the sampling priority. Invalid priorities are ignored.
func WithPriority(p Priority) Option {
	return func(tc *TraceContext) {
		if p.Valid() {
			tc.priority = p
			tc.hasPriority = true
		}
	}
}

// WithOrigin sets the origin of the trace (e.g. "synthetics", "rum").
func WithOrigin(origin string) Option {
	return func(tc *TraceContext) {
		tc.origin = origin
	}
}

// WithTags sets the propagated tag bag. Keys without the "_dd.p." prefix are dropped,
// as is the trace-ID high-bits tag which is represented by the trace ID itself.
func WithTags(tags map[string]string) Option {
	return func(tc *TraceContext) {
		for k, v := range tags {
			if !strings.HasPrefix(k, propagatedTagPrefix) || k == traceIDHighTag {
				continue
			}
			if tc.tags == nil {
				tc.tags = make(map[string]string, len(tags))
			}
			tc.tags[k] = v
		}
	}
}

// WithVendorState sets tracestate members owned by other vendors ("key=value" each).
func WithVendorState(members ...string) Option {
	return func(tc *TraceContext) {
		if len(members) == 0 {
			return
		}
		tc.vendorState = append([]string(nil), members...)
	}
}

// NewTraceContext returns a context for the given trace and parent span.
func NewTraceContext(traceID internal.TraceID, parentID uint64, opts ...Option) TraceContext {
	tc := TraceContext{
		traceID:  traceID,
		parentID: parentID,
	}
	for _, opt := range opts {
		opt(&tc)
	}
	return tc
}

// TraceID returns the trace ID.
func (tc TraceContext) TraceID() internal.TraceID {
	return tc.traceID
}

// ParentID returns the ID of the span that new spans should be parented on.
func (tc TraceContext) ParentID() uint64 {
	return tc.parentID
}

// Priority returns the sampling priority and whether one was set.
func (tc TraceContext) Priority() (Priority, bool) {
	return tc.priority, tc.hasPriority
}

// Origin returns the trace origin, or "".
func (tc TraceContext) Origin() string {
	return tc.origin
}

// Tags returns a copy of the propagated tag bag.
func (tc TraceContext) Tags() map[string]string {
	out := make(map[string]string, len(tc.tags))
	for k, v := range tc.tags {
		out[k] = v
	}
	return out
}

// VendorState returns a copy of the foreign tracestate members.
func (tc TraceContext) VendorState() []string {
	return append([]string(nil), tc.vendorState...)
}

// IsValid returns true if the low half of the trace ID and the parent ID are set.
// The low half is the trace ID on the multi-field vocabulary, so a context without
// one could not cross a datadog-only boundary.
func (tc TraceContext) IsValid() bool {
	return tc.traceID.Low != 0 && tc.parentID != 0
}

// WithParentID derives a context for the same trace with a different parent span.
func (tc TraceContext) WithParentID(parentID uint64) TraceContext {
	out := tc
	out.parentID = parentID
	return out
}
