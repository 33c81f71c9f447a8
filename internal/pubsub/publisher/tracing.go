package publisher

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/tracing"
	"eventpipe/internal/record"
)

// TracedPublisher wraps a pubsub.Producer with distributed tracing
// Layer order: TracedPublisher -> MetricsPublisher -> Publisher
type TracedPublisher struct {
	producer pubsub.Producer
	tracer   *tracing.Tracer
}

func NewTracedPublisher(producer pubsub.Producer, tracer *tracing.Tracer) pubsub.Producer {
	return &TracedPublisher{
		producer: producer,
		tracer:   tracer,
	}
}

func (p *TracedPublisher) Publish(ctx context.Context, rec record.Record) (string, error) {
	binding := p.producer.Binding()
	schema := ""
	if binding.Schema != nil {
		schema = binding.Schema.Ref.String()
	}

	ctx, span := p.tracer.StartSpan(ctx, "publisher.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(p.tracer.PublishAttributes(binding.Topic, binding.Encoding.String(), schema)...)
	span.SetAttributes(attribute.String("eventpipe.record_id", rec.ID()))

	id, err := p.producer.Publish(ctx, rec)
	if err != nil {
		p.tracer.RecordError(ctx, err)
	} else {
		span.SetAttributes(attribute.String("messaging.message.id", id))
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(p.tracer.ErrorAttributes(err)...)

	return id, err
}

func (p *TracedPublisher) Binding() pubsub.TopicBinding {
	return p.producer.Binding()
}
