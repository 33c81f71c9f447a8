// Package broker instruments any pubsub.Broker with metrics and tracing.
package broker

import (
	"context"
	"time"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/metrics"
)

// MetricsBroker wraps a pubsub.Broker with metrics collection
type MetricsBroker struct {
	broker   pubsub.Broker
	registry *metrics.Registry
}

func NewMetricsBroker(broker pubsub.Broker, registry *metrics.Registry) pubsub.Broker {
	return &MetricsBroker{
		broker:   broker,
		registry: registry,
	}
}

// Send records the time until the broker resolves the result.
func (b *MetricsBroker) Send(ctx context.Context, topic string, msg pubsub.Message) *pubsub.PublishResult {
	start := time.Now()

	res := b.broker.Send(ctx, topic, msg)
	go func() {
		<-res.Ready()
		_, err := res.Get(context.Background())
		b.registry.RecordBrokerOperation("send", time.Since(start), err)
	}()

	return res
}

func (b *MetricsBroker) Pull(ctx context.Context, sub string, max int) ([]pubsub.Envelope, error) {
	start := time.Now()

	envelopes, err := b.broker.Pull(ctx, sub, max)
	duration := time.Since(start)

	b.registry.RecordBrokerOperation("pull", duration, err)

	return envelopes, err
}

func (b *MetricsBroker) Acknowledge(ctx context.Context, sub string, ackIDs []string) error {
	start := time.Now()

	err := b.broker.Acknowledge(ctx, sub, ackIDs)
	duration := time.Since(start)

	b.registry.RecordBrokerOperation("acknowledge", duration, err)

	return err
}
