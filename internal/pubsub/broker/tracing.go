package broker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/tracing"
)

// TracedBroker wraps a pubsub.Broker with distributed tracing
// Layer order: TracedBroker -> MetricsBroker -> driver
type TracedBroker struct {
	broker pubsub.Broker
	tracer *tracing.Tracer
	system string
}

// NewTracedBroker wraps broker. system names the transport in span
// attributes, e.g. couchbase or kafka.
func NewTracedBroker(broker pubsub.Broker, tracer *tracing.Tracer, system string) pubsub.Broker {
	return &TracedBroker{
		broker: broker,
		tracer: tracer,
		system: system,
	}
}

// Send ends its span when the result resolves.
func (b *TracedBroker) Send(ctx context.Context, topic string, msg pubsub.Message) *pubsub.PublishResult {
	ctx, span := b.tracer.StartSpan(ctx, "broker.send", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(b.tracer.BrokerAttributes("send", b.system)...)
	span.SetAttributes(
		attribute.String("messaging.destination.name", topic),
		attribute.Int("messaging.message.body.size", len(msg.Data)),
	)

	res := b.broker.Send(ctx, topic, msg)
	go func() {
		defer span.End()

		<-res.Ready()
		id, err := res.Get(context.Background())
		if err != nil {
			b.tracer.RecordError(ctx, err)
		} else {
			span.SetAttributes(attribute.String("messaging.message.id", id))
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(b.tracer.ErrorAttributes(err)...)
	}()

	return res
}

func (b *TracedBroker) Pull(ctx context.Context, sub string, max int) ([]pubsub.Envelope, error) {
	ctx, span := b.tracer.StartSpan(ctx, "broker.pull", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(b.tracer.BrokerAttributes("pull", b.system)...)
	span.SetAttributes(
		attribute.String("messaging.consumer.group.name", sub),
		attribute.Int("eventpipe.pull.max", max),
	)

	envelopes, err := b.broker.Pull(ctx, sub, max)
	if err != nil {
		b.tracer.RecordError(ctx, err)
	} else {
		span.SetAttributes(attribute.Int("messaging.batch.message_count", len(envelopes)))
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(b.tracer.ErrorAttributes(err)...)

	return envelopes, err
}

func (b *TracedBroker) Acknowledge(ctx context.Context, sub string, ackIDs []string) error {
	ctx, span := b.tracer.StartSpan(ctx, "broker.acknowledge", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(b.tracer.BrokerAttributes("acknowledge", b.system)...)
	span.SetAttributes(
		attribute.String("messaging.consumer.group.name", sub),
		attribute.Int("messaging.batch.message_count", len(ackIDs)),
	)

	err := b.broker.Acknowledge(ctx, sub, ackIDs)
	if err != nil {
		b.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(b.tracer.ErrorAttributes(err)...)

	return err
}
