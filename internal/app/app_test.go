package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpipe/internal/config"
	"eventpipe/internal/mock"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/consumer"
	"eventpipe/internal/record"
)

func memoryConfig(encoding string) config.Config {
	var cfg config.Config
	cfg.Log.Level = "error"
	cfg.Broker.Driver = "memory"
	cfg.Broker.AckDeadline = time.Minute
	cfg.Broker.Encoding = encoding
	cfg.Pipeline.TopicID = "orders"
	cfg.Pipeline.SubscriptionID = "orders-sub"
	cfg.Pipeline.RecordKind = "order"
	cfg.Pipeline.BatchSize = 10
	cfg.Pipeline.IdleBackoffMax = 10 * time.Millisecond
	cfg.Pipeline.MaxEmptyPulls = 2
	return cfg
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) Handle(_ context.Context, _ pubsub.Envelope, rec *record.Enriched) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, rec.Record.ID())
	return nil
}

func TestPipelineOverMemory(t *testing.T) {
	for _, encoding := range []string{"", "BINARY", "JSON"} {
		t.Run("encoding "+encoding, func(t *testing.T) {
			ctx := context.Background()
			a, err := NewWithConfig(ctx, "test", memoryConfig(encoding))
			require.NoError(t, err)
			t.Cleanup(a.Close)

			require.NoError(t, a.Provision(ctx))

			producer, err := a.Producer(ctx, "orders")
			require.NoError(t, err)

			gen := mock.New(mock.WithSeed(1))
			for rec := range gen.Records(record.KindOrder, 3) {
				_, err := producer.Publish(ctx, rec)
				require.NoError(t, err)
			}

			handler := &collector{}
			c, err := a.Consumer(ctx, "orders", "orders-sub", handler)
			require.NoError(t, err)
			require.NoError(t, consumer.Run(ctx, c, a.Logger, a.RunOptions()))

			assert.Equal(t, []string{"1", "2", "3"}, handler.ids)
		})
	}
}

func TestProvisionBindsSchema(t *testing.T) {
	ctx := context.Background()
	a, err := NewWithConfig(ctx, "test", memoryConfig("BINARY"))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NoError(t, a.Provision(ctx))

	binding, err := a.Resolve(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, pubsub.EncodingBinary, binding.Encoding)
	require.NotNil(t, binding.Schema)
	assert.Equal(t, "orders-schema", binding.Schema.Ref.Name)
}

func TestRequireSchema(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig("")
	cfg.Pipeline.RequireSchema = true

	a, err := NewWithConfig(ctx, "test", cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.Provision(ctx))

	_, err = a.Producer(ctx, "orders")
	assert.ErrorIs(t, err, pubsub.ErrSchemaUnavailable)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, IgnoreCanceled(context.Canceled))
	assert.ErrorIs(t, IgnoreCanceled(context.DeadlineExceeded), context.DeadlineExceeded)
}
