package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventpipe/internal/memory"
	"eventpipe/internal/pubsub"
)

const bookingSchema = `{
  "type": "record",
  "name": "ResolverBooking",
  "namespace": "eventpipe.resolver.test",
  "fields": [
    {"name": "booking_id", "type": "string"},
    {"name": "amount", "type": "double"},
    {"name": "status", "type": "string"}
  ]
}`

type countingLookup struct {
	pubsub.MetadataLookup
	calls atomic.Int32
}

func (c *countingLookup) TopicSchemaSettings(ctx context.Context, topic string) (pubsub.SchemaSettings, error) {
	c.calls.Add(1)
	return c.MetadataLookup.TopicSchemaSettings(ctx, topic)
}

func TestResolve(t *testing.T) {
	broker := memory.NewBroker()
	broker.PutSchema("bookings-schema", bookingSchema)
	broker.CreateTopic("plain", pubsub.SchemaSettings{})
	broker.CreateTopic("binary", pubsub.SchemaSettings{SchemaRef: "bookings-schema", Encoding: "BINARY"})
	broker.CreateTopic("json", pubsub.SchemaSettings{SchemaRef: "bookings-schema", Encoding: "json"})
	broker.CreateTopic("implicit-json", pubsub.SchemaSettings{SchemaRef: "bookings-schema"})
	broker.CreateTopic("binary-no-schema", pubsub.SchemaSettings{Encoding: "BINARY"})
	broker.CreateTopic("dangling", pubsub.SchemaSettings{SchemaRef: "missing", Encoding: "BINARY"})
	broker.CreateTopic("protobuf", pubsub.SchemaSettings{SchemaRef: "bookings-schema", Encoding: "PROTOBUF"})

	tests := []struct {
		topic    string
		opts     []Option
		encoding pubsub.Encoding
		schema   bool
		wantErr  error
	}{
		{topic: "plain", encoding: pubsub.EncodingNone},
		{topic: "binary", encoding: pubsub.EncodingBinary, schema: true},
		{topic: "json", encoding: pubsub.EncodingJSON, schema: true},
		{topic: "implicit-json", encoding: pubsub.EncodingJSON, schema: true},
		{topic: "binary-no-schema", wantErr: pubsub.ErrSchemaUnavailable},
		{topic: "dangling", wantErr: pubsub.ErrSchemaUnavailable},
		{topic: "protobuf", wantErr: pubsub.ErrUnsupportedEncoding},
		{topic: "unknown", wantErr: pubsub.ErrTopicNotFound},
		{topic: "plain", opts: []Option{WithRequireSchema()}, wantErr: pubsub.ErrSchemaUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			r, err := New(broker, broker, zap.NewNop(), tt.opts...)
			require.NoError(t, err)

			binding, err := r.Resolve(context.Background(), tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.topic, binding.Topic)
			assert.Equal(t, tt.encoding, binding.Encoding)
			if tt.schema {
				require.NotNil(t, binding.Schema)
				assert.Equal(t, "bookings-schema", binding.Schema.Ref.Name)
				assert.Len(t, binding.Schema.Fields(), 3)
			} else {
				assert.Nil(t, binding.Schema)
			}
		})
	}
}

func TestResolveCaches(t *testing.T) {
	broker := memory.NewBroker()
	broker.PutSchema("bookings-schema", bookingSchema)
	broker.CreateTopic("binary", pubsub.SchemaSettings{SchemaRef: "bookings-schema", Encoding: "BINARY"})

	lookup := &countingLookup{MetadataLookup: broker}
	r, err := New(lookup, broker, zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "binary")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err = r.Resolve(context.Background(), "binary")
	require.NoError(t, err)
	assert.Equal(t, int32(1), lookup.calls.Load())
}

func TestResolveDoesNotCacheFailures(t *testing.T) {
	broker := memory.NewBroker()
	r, err := New(broker, broker, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "late")
	require.True(t, errors.Is(err, pubsub.ErrTopicNotFound))

	broker.CreateTopic("late", pubsub.SchemaSettings{})
	binding, err := r.Resolve(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, pubsub.EncodingNone, binding.Encoding)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(nil, memory.NewBroker(), zap.NewNop())
	assert.Error(t, err)
}
