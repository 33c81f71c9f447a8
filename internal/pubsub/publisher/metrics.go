package publisher

import (
	"context"
	"errors"
	"time"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/metrics"
	"eventpipe/internal/record"
)

// MetricsPublisher wraps a pubsub.Producer with metrics collection
type MetricsPublisher struct {
	producer pubsub.Producer
	registry *metrics.Registry
}

func NewMetricsPublisher(producer pubsub.Producer, registry *metrics.Registry) pubsub.Producer {
	return &MetricsPublisher{
		producer: producer,
		registry: registry,
	}
}

func (p *MetricsPublisher) Publish(ctx context.Context, rec record.Record) (string, error) {
	start := time.Now()
	id, err := p.producer.Publish(ctx, rec)
	duration := time.Since(start)

	binding := p.producer.Binding()
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, pubsub.ErrEncodeFailed):
		status = "encode_error"
	default:
		status = "broker_error"
	}
	p.registry.RecordPublish(binding.Topic, binding.Encoding.String(), status, duration)

	return id, err
}

func (p *MetricsPublisher) Binding() pubsub.TopicBinding {
	return p.producer.Binding()
}
