package publisher

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventpipe/internal/memory"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/codec"
	"eventpipe/internal/pubsub/resolver"
	"eventpipe/internal/record"
)

const bookingSchema = `{
  "type": "record",
  "name": "PublisherBooking",
  "namespace": "eventpipe.publisher.test",
  "fields": [
    {"name": "booking_id", "type": "string"},
    {"name": "hotel_id", "type": "string"},
    {"name": "amount", "type": "double"},
    {"name": "status", "type": "string"}
  ]
}`

type flakySender struct {
	pubsub.Sender
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakySender) Send(ctx context.Context, topic string, msg pubsub.Message) *pubsub.PublishResult {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return pubsub.Resolved("", errors.New("connection reset"))
	}
	return s.Sender.Send(ctx, topic, msg)
}

func setup(t *testing.T) (*memory.Broker, *resolver.Resolver) {
	t.Helper()
	b := memory.NewBroker()
	b.PutSchema("bookings-schema", bookingSchema)
	b.CreateTopic("bookings", pubsub.SchemaSettings{SchemaRef: "bookings-schema", Encoding: "BINARY"})
	b.CreateTopic("orders", pubsub.SchemaSettings{})
	b.CreateTopic("broken", pubsub.SchemaSettings{Encoding: "BINARY"})
	require.NoError(t, b.CreateSubscription("bookings-sub", "bookings"))
	require.NoError(t, b.CreateSubscription("orders-sub", "orders"))

	r, err := resolver.New(b, b, zap.NewNop())
	require.NoError(t, err)
	return b, r
}

func booking(id string) *record.Booking {
	return &record.Booking{
		BookingID: record.Text(id),
		HotelID:   record.Text("H-7"),
		Amount:    record.Number(180.25),
		Status:    record.Text("confirmed"),
	}
}

func order(id string) *record.Order {
	return &record.Order{
		OrderID:     record.Text(id),
		Quantity:    record.Number(2),
		Price:       record.Number(3.5),
		OrderStatus: record.Text("pending"),
	}
}

func TestNewFailsBeforeSendingWithoutSchema(t *testing.T) {
	b, r := setup(t)
	sender := &flakySender{Sender: b}

	p, err := New(context.Background(), r, sender, "broken", zap.NewNop())
	assert.Nil(t, p)
	assert.ErrorIs(t, err, pubsub.ErrSchemaUnavailable)
	assert.Equal(t, int32(0), sender.calls.Load())
}

func TestPublishBinary(t *testing.T) {
	ctx := context.Background()
	b, r := setup(t)

	p, err := New(ctx, r, b, "bookings", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, pubsub.EncodingBinary, p.Binding().Encoding)

	rec := booking("b-1")
	id, err := p.Publish(ctx, rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	envs, err := b.Pull(ctx, "bookings-sub", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	env := envs[0]
	assert.Equal(t, id, env.MessageID)
	assert.Equal(t, "b-1", env.OrderingKey)
	assert.Equal(t, "BINARY", env.Attributes[pubsub.AttrEncoding])
	assert.Contains(t, env.Attributes[pubsub.AttrSchema], "bookings-schema")

	got, err := codec.New().DecodeEnvelope(env, p.Binding())
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestPublishJSON(t *testing.T) {
	ctx := context.Background()
	b, r := setup(t)

	p, err := New(ctx, r, b, "orders", zap.NewNop())
	require.NoError(t, err)

	res, err := p.Submit(ctx, order("1"))
	require.NoError(t, err)
	_, err = res.Get(ctx)
	require.NoError(t, err)

	envs, err := b.Pull(ctx, "orders-sub", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "NONE", envs[0].Attributes[pubsub.AttrEncoding])
	assert.JSONEq(t, `{"order_id":"1","quantity":2,"price":3.5,"order_status":"pending"}`, string(envs[0].Data))
}

func TestPublishEncodeFailure(t *testing.T) {
	ctx := context.Background()
	b, r := setup(t)
	sender := &flakySender{Sender: b}

	p, err := New(ctx, r, sender, "bookings", zap.NewNop())
	require.NoError(t, err)

	rec := booking("b-2")
	rec.Amount = record.Text("free")

	_, err = p.Publish(ctx, rec)
	assert.ErrorIs(t, err, pubsub.ErrEncodeFailed)
	assert.ErrorIs(t, err, pubsub.ErrSchemaMismatch)
	assert.Equal(t, int32(0), sender.calls.Load())
}

func TestPublishBrokerFailure(t *testing.T) {
	ctx := context.Background()
	b, r := setup(t)
	noWait := WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })

	t.Run("single attempt by default", func(t *testing.T) {
		sender := &flakySender{Sender: b}
		sender.failures.Store(1)

		p, err := New(ctx, r, sender, "orders", zap.NewNop(), noWait)
		require.NoError(t, err)

		_, err = p.Publish(ctx, order("1"))
		assert.ErrorIs(t, err, pubsub.ErrBrokerUnavailable)
		assert.Equal(t, int32(1), sender.calls.Load())
	})

	t.Run("retries transient failures", func(t *testing.T) {
		sender := &flakySender{Sender: b}
		sender.failures.Store(2)

		p, err := New(ctx, r, sender, "orders", zap.NewNop(), WithRetry(2), noWait)
		require.NoError(t, err)

		id, err := p.Publish(ctx, order("2"))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, int32(3), sender.calls.Load())
	})

	t.Run("gives up after retries", func(t *testing.T) {
		sender := &flakySender{Sender: b}
		sender.failures.Store(5)

		p, err := New(ctx, r, sender, "orders", zap.NewNop(), WithRetry(1), noWait)
		require.NoError(t, err)

		_, err = p.Publish(ctx, order("3"))
		assert.ErrorIs(t, err, pubsub.ErrBrokerUnavailable)
		assert.Equal(t, int32(2), sender.calls.Load())
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	b, r := setup(t)

	p, err := New(ctx, r, b, "bookings", zap.NewNop())
	require.NoError(t, err)

	bad := booking("b-bad")
	bad.Status = record.Value{}
	records := slices.Values([]record.Record{booking("b-1"), bad, booking("b-2")})

	report := Run(ctx, p, records, 0, zap.NewNop())
	assert.Equal(t, Report{Published: 2, Dropped: 1}, report)

	envs, err := b.Pull(ctx, "bookings-sub", 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "b-1", envs[0].OrderingKey)
	assert.Equal(t, "b-2", envs[1].OrderingKey)
}

func TestRunStopsOnCancel(t *testing.T) {
	b, r := setup(t)

	p, err := New(context.Background(), r, b, "orders", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := Run(ctx, p, slices.Values([]record.Record{order("1"), order("2")}), 0, zap.NewNop())
	assert.Equal(t, Report{}, report)
	assert.Equal(t, 0, b.Stats("orders-sub").Backlog)
}
