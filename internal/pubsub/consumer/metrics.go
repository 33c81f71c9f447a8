package consumer

import (
	"context"
	"time"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/metrics"
)

// MetricsConsumer wraps a pubsub.Consumer with metrics collection
type MetricsConsumer struct {
	consumer pubsub.Consumer
	registry *metrics.Registry
}

func NewMetricsConsumer(consumer pubsub.Consumer, registry *metrics.Registry) pubsub.Consumer {
	return &MetricsConsumer{
		consumer: consumer,
		registry: registry,
	}
}

func (c *MetricsConsumer) Pull(ctx context.Context) (pubsub.Batch, error) {
	start := time.Now()
	batch, err := c.consumer.Pull(ctx)
	duration := time.Since(start)

	sub := c.consumer.Subscription()
	c.registry.RecordConsumerPull(sub, batch.Pulled, batch.Acked, batch.Skipped, duration, err)
	if batch.Acked > 0 || batch.AckErr != nil {
		c.registry.RecordConsumerAck(sub, batch.AckErr)
	}

	return batch, err
}

func (c *MetricsConsumer) Subscription() string {
	return c.consumer.Subscription()
}
