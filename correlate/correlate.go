// Package correlate links the spans of a message's producer and consumer through
// headers carried on the message itself.
package correlate

import (
	"errors"
	"fmt"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/messaging"
	"github.com/kzs0/tracehook/propagation"
	"github.com/kzs0/tracehook/trace"
)

// Tag and metric names set on messaging spans.
const (
	TagSystem      = "messaging.system"
	TagDestination = "messaging.destination"
	TagBroker      = "messaging.broker"
	TagKey         = "messaging.key"
	TagNoPayload   = "messaging.no_payload"

	MetricPartition   = "messaging.partition"
	MetricOffset      = "messaging.offset"
	MetricPayloadSize = "messaging.message.payload_size"

	spanTypeQueue = "queue"
)

var ErrUnexpectedArgument = errors.New("correlate: unexpected call argument")

// ProducerConfig configures the send-side pair.
type ProducerConfig struct {
	// System names the messaging system, e.g. "kafka". It prefixes the span name.
	System string
	// Broker is recorded as messaging.broker when set.
	Broker string
	// Propagator injects the producer span into the message headers. Defaults to both schemes.
	Propagator *trace.Propagator
}

// ConsumerConfig configures the receive-side pair.
type ConsumerConfig struct {
	System     string
	Broker     string
	Propagator *trace.Propagator
}

func propagatorOrDefault(p *trace.Propagator) *trace.Propagator {
	if p != nil {
		return p
	}
	return trace.NewPropagator(propagation.DefaultConfig())
}

func systemOrDefault(s string) string {
	if s == "" {
		return "messaging"
	}
	return s
}

// ProducerPair returns the pair for a send call whose first argument is the
// *messaging.Message being sent and whose result is the acknowledged message.
// The producer span's identity is written into the message headers before the
// send executes.
func ProducerPair(cfg ProducerConfig) hook.Pair {
	system := systemOrDefault(cfg.System)
	prop := propagatorOrDefault(cfg.Propagator)

	return hook.Pair{
		Name: system + ".produce",
		Before: func(inv hook.Invocation) error {
			msg, ok := inv.Arg(0).(*messaging.Message)
			if !ok || msg == nil {
				return fmt.Errorf("%w: %T", ErrUnexpectedArgument, inv.Arg(0))
			}

			opts := []trace.StartOption{
				trace.WithKind(trace.KindProducer),
				trace.WithSpanType(spanTypeQueue),
				trace.WithResource("Produce Topic " + msg.Topic),
				trace.WithTag(TagSystem, system),
				trace.WithTag(TagDestination, msg.Topic),
				trace.WithTag(MetricPartition, msg.Partition),
				trace.WithTag(MetricPayloadSize, len(msg.Value)),
			}
			if cfg.Broker != "" {
				opts = append(opts, trace.WithTag(TagBroker, cfg.Broker))
			}
			if len(msg.Key) > 0 {
				opts = append(opts, trace.WithTag(TagKey, string(msg.Key)))
			}
			span := inv.StartSpan(system+".produce", opts...)

			prop.InjectSpan(span, &msg.Headers)
			return nil
		},
		After: func(inv hook.Invocation, span *trace.Span, res hook.Result) error {
			if ack, ok := res.Value.(*messaging.Message); ok && ack != nil && ack.Offset >= 0 {
				span.SetTag(MetricOffset, ack.Offset)
				span.SetTag(MetricPartition, ack.Partition)
			}
			return nil
		},
	}
}

// ConsumerPair returns the pair for a receive call whose result is the received
// *messaging.Message or nil. The consumer span is opened once the message is known,
// parented on the context decoded from its headers and backdated to when the receive
// call started.
func ConsumerPair(cfg ConsumerConfig) hook.Pair {
	system := systemOrDefault(cfg.System)
	prop := propagatorOrDefault(cfg.Propagator)

	return hook.Pair{
		Name: system + ".consume",
		After: func(inv hook.Invocation, _ *trace.Span, res hook.Result) error {
			msg, _ := res.Value.(*messaging.Message)

			var (
				remote propagation.TraceContext
				found  bool
			)
			if msg != nil {
				remote, found = prop.Extract(msg.Headers)
			}

			opts := []trace.StartOption{
				trace.WithKind(trace.KindConsumer),
				trace.WithSpanType(spanTypeQueue),
				trace.StartTime(inv.StartTime()),
				trace.WithTag(TagSystem, system),
			}
			if found {
				opts = append(opts, trace.ChildOf(remote))
			} else {
				opts = append(opts, trace.Root())
			}
			if cfg.Broker != "" {
				opts = append(opts, trace.WithTag(TagBroker, cfg.Broker))
			}
			span := inv.StartSpan(system+".consume", opts...)

			endOfStream := errors.Is(res.Err, messaging.ErrEndOfStream)
			if msg != nil {
				span.SetResource("Consume Topic " + msg.Topic)
				span.SetTag(TagDestination, msg.Topic)
				span.SetTag(MetricPartition, msg.Partition)
				span.SetTag(MetricOffset, msg.Offset)
				if len(msg.Key) > 0 {
					span.SetTag(TagKey, string(msg.Key))
				}
			}
			if msg == nil || msg.Tombstone() || endOfStream {
				span.SetTag(TagNoPayload, true)
			} else {
				span.SetTag(MetricPayloadSize, len(msg.Value))
			}
			if endOfStream {
				span.SetError(nil)
			}
			return nil
		},
	}
}
