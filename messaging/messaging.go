// Package messaging defines the message model the correlator instruments.
package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/kzs0/tracehook/propagation"
)

//go:generate mockgen -destination=../internal/mocks/messaging.go -package=mocks github.com/kzs0/tracehook/messaging Producer,Consumer

// ErrEndOfStream is returned by Consumer.Receive when the stream has no more messages.
var ErrEndOfStream = errors.New("messaging: end of stream")

// Header is one message header. Keys may repeat.
type Header struct {
	Key   string
	Value []byte
}

// Headers is an ordered header list usable as a propagation carrier.
type Headers []Header

var (
	_ propagation.TextMapReader = Headers(nil)
	_ propagation.TextMapWriter = (*Headers)(nil)
)

// ForeachKey implements propagation.TextMapReader.
func (h Headers) ForeachKey(handler func(key, val string) error) error {
	for _, hdr := range h {
		if err := handler(hdr.Key, string(hdr.Value)); err != nil {
			return err
		}
	}
	return nil
}

// Set implements propagation.TextMapWriter. Existing headers with the same key,
// compared case-insensitively, are replaced.
func (h *Headers) Set(key, val string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Key, key) {
			out = append(out, hdr)
		}
	}
	*h = append(out, Header{Key: key, Value: []byte(val)})
}

// Get returns the first value for key, compared case-insensitively.
func (h Headers) Get(key string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			return string(hdr.Value), true
		}
	}
	return "", false
}

// Message is a record sent to or received from a topic.
type Message struct {
	Topic     string
	Partition int32
	// Offset is assigned by the broker on send; -1 until then.
	Offset  int64
	Key     []byte
	Value   []byte
	Headers Headers
}

// Tombstone reports whether the message carries no value.
func (m *Message) Tombstone() bool {
	return m != nil && m.Value == nil
}

// Producer sends messages.
type Producer interface {
	// Send delivers msg and returns it with the broker-assigned partition and offset.
	Send(ctx context.Context, msg *Message) (*Message, error)
}

// Consumer receives messages from one topic.
type Consumer interface {
	// Receive blocks until a message is available, the stream ends (ErrEndOfStream),
	// or ctx is done.
	Receive(ctx context.Context) (*Message, error)
}
