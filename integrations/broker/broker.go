// Package broker exposes messaging producers and consumers to the interceptor and
// registers the correlator's pairs on their call sites.
package broker

import (
	"context"

	"github.com/kzs0/tracehook/correlate"
	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/intercept"
	"github.com/kzs0/tracehook/messaging"
	"github.com/kzs0/tracehook/trace"
)

const Name = "broker"

// Capability is the host capability this integration requires.
const Capability = "messaging"

const messagingPkg = "github.com/kzs0/tracehook/messaging"

// Call sites exposed by the wrappers.
var (
	SendSite    = hook.CallSite{Package: messagingPkg, Receiver: "Producer", Method: "Send"}
	ReceiveSite = hook.CallSite{Package: messagingPkg, Receiver: "Consumer", Method: "Receive"}
)

// Config configures both correlator pairs.
type Config struct {
	// System names the messaging system, e.g. "kafka".
	System     string
	Broker     string
	Propagator *trace.Propagator
}

// Descriptor returns the integration descriptor. Send and Receive are registered
// together or not at all.
func Descriptor(cfg Config) integration.Descriptor {
	return integration.Descriptor{
		Name:      Name,
		Requires:  []string{Capability},
		CallSites: []hook.CallSite{SendSite, ReceiveSite},
		Register: func(r *hook.Registrar) error {
			if err := r.Register(SendSite, nil, correlate.ProducerPair(correlate.ProducerConfig{
				System:     cfg.System,
				Broker:     cfg.Broker,
				Propagator: cfg.Propagator,
			})); err != nil {
				return err
			}
			return r.Register(ReceiveSite, nil, correlate.ConsumerPair(correlate.ConsumerConfig{
				System:     cfg.System,
				Broker:     cfg.Broker,
				Propagator: cfg.Propagator,
			}))
		},
	}
}

// Producer routes Send through the interceptor.
type Producer struct {
	next messaging.Producer
	ic   *intercept.Interceptor
}

var _ messaging.Producer = (*Producer)(nil)

// WrapProducer returns a producer whose sends are exposed at SendSite.
func WrapProducer(ic *intercept.Interceptor, p messaging.Producer) *Producer {
	return &Producer{next: p, ic: ic}
}

// Send implements messaging.Producer.
func (p *Producer) Send(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
	return intercept.Call(ctx, p.ic, SendSite, []any{msg}, func(ctx context.Context) (*messaging.Message, error) {
		return p.next.Send(ctx, msg)
	})
}

// Consumer routes Receive through the interceptor.
type Consumer struct {
	next messaging.Consumer
	ic   *intercept.Interceptor
}

var _ messaging.Consumer = (*Consumer)(nil)

// WrapConsumer returns a consumer whose receives are exposed at ReceiveSite.
func WrapConsumer(ic *intercept.Interceptor, c messaging.Consumer) *Consumer {
	return &Consumer{next: c, ic: ic}
}

// Receive implements messaging.Consumer.
func (c *Consumer) Receive(ctx context.Context) (*messaging.Message, error) {
	return intercept.Call(ctx, c.ic, ReceiveSite, nil, c.next.Receive)
}
