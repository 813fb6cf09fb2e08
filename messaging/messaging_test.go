package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/propagation"
)

func TestHeadersCarrier(t *testing.T) {
	var h Headers
	h.Set("X-Custom", "keep")
	tc := propagation.NewTraceContext(internal.TraceID{Low: 5}, 6, propagation.WithPriority(propagation.PriorityAutoKeep))
	propagation.Encode(tc, &h, propagation.SchemeDatadog)

	v, ok := h.Get("x-datadog-trace-id")
	assert.True(t, ok)
	assert.Equal(t, "5", v)

	got, ok := propagation.Decode(h)
	assert.True(t, ok)
	assert.Equal(t, tc, got)

	// Set replaces case-insensitively.
	h.Set("X-DATADOG-TRACE-ID", "7")
	n := 0
	_ = h.ForeachKey(func(k, _ string) error {
		if k == "x-datadog-trace-id" || k == "X-DATADOG-TRACE-ID" {
			n++
		}
		return nil
	})
	assert.Equal(t, 1, n)
	custom, _ := h.Get("x-custom")
	assert.Equal(t, "keep", custom)
}

func TestTombstone(t *testing.T) {
	var nilMsg *Message
	assert.False(t, nilMsg.Tombstone())
	assert.True(t, (&Message{}).Tombstone())
	assert.False(t, (&Message{Value: []byte{}}).Tombstone())
}
