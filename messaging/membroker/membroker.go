// Package membroker is an in-memory, per-topic FIFO broker implementing the
// messaging interfaces. It backs the demo command and the integration tests.
package membroker

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"

	"github.com/kzs0/tracehook/messaging"
)

var ErrTopicClosed = errors.New("membroker: topic closed")

type topic struct {
	q      *queue.Queue
	next   int64
	closed bool
	notify chan struct{}
}

// Broker holds one FIFO per topic. Topics are created on first use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{q: queue.New(), notify: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// wake releases every receiver waiting on t. Callers hold b.mu.
func (t *topic) wake() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// Producer returns a producer sending to this broker.
func (b *Broker) Producer() messaging.Producer {
	return producer{b: b}
}

// Consumer returns a consumer reading topic. Consumers of the same topic compete
// for messages.
func (b *Broker) Consumer(topic string) messaging.Consumer {
	return consumer{b: b, topic: topic}
}

// Close ends the topic. Receivers drain what is queued and then get
// messaging.ErrEndOfStream.
func (b *Broker) Close(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(name)
	if !t.closed {
		t.closed = true
		t.wake()
	}
}

// SendTombstone sends a message with a nil value.
func (b *Broker) SendTombstone(ctx context.Context, topic string, key []byte) (*messaging.Message, error) {
	return b.send(ctx, &messaging.Message{Topic: topic, Key: key})
}

// Len returns the number of queued messages on the topic.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t.q.Length()
	}
	return 0
}

func (b *Broker) send(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("membroker: nil message")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(msg.Topic)
	if t.closed {
		return nil, ErrTopicClosed
	}

	stored := &messaging.Message{
		Topic:     msg.Topic,
		Partition: 0,
		Offset:    t.next,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   append(messaging.Headers(nil), msg.Headers...),
	}
	t.next++
	t.q.Add(stored)
	t.wake()

	ack := *stored
	ack.Headers = append(messaging.Headers(nil), stored.Headers...)
	return &ack, nil
}

func (b *Broker) receive(ctx context.Context, name string) (*messaging.Message, error) {
	for {
		b.mu.Lock()
		t := b.topic(name)
		if t.q.Length() > 0 {
			msg := t.q.Remove().(*messaging.Message)
			b.mu.Unlock()
			return msg, nil
		}
		if t.closed {
			b.mu.Unlock()
			return nil, messaging.ErrEndOfStream
		}
		notify := t.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

type producer struct {
	b *Broker
}

func (p producer) Send(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
	return p.b.send(ctx, msg)
}

type consumer struct {
	b     *Broker
	topic string
}

func (c consumer) Receive(ctx context.Context) (*messaging.Message, error) {
	return c.b.receive(ctx, c.topic)
}
