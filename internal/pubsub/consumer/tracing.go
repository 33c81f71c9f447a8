package consumer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/tracing"
)

// TracedConsumer wraps a pubsub.Consumer with distributed tracing
// Layer order: TracedConsumer -> MetricsConsumer -> Consumer
type TracedConsumer struct {
	consumer pubsub.Consumer
	tracer   *tracing.Tracer
}

func NewTracedConsumer(consumer pubsub.Consumer, tracer *tracing.Tracer) pubsub.Consumer {
	return &TracedConsumer{
		consumer: consumer,
		tracer:   tracer,
	}
}

func (c *TracedConsumer) Pull(ctx context.Context) (pubsub.Batch, error) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.pull", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(c.tracer.ConsumerAttributes(c.consumer.Subscription())...)

	batch, err := c.consumer.Pull(ctx)

	span.SetAttributes(c.tracer.BatchAttributes(batch.Pulled, batch.Acked)...)
	for reason, n := range batch.Skipped {
		span.SetAttributes(attribute.Int("eventpipe.skipped."+reason, n))
	}

	switch {
	case err != nil:
		c.tracer.RecordError(ctx, err)
	case batch.AckErr != nil:
		c.tracer.RecordError(ctx, batch.AckErr)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(c.tracer.ErrorAttributes(err)...)

	return batch, err
}

func (c *TracedConsumer) Subscription() string {
	return c.consumer.Subscription()
}
