package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpipe/internal/pubsub"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newTestBroker(t *testing.T) (*Broker, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBroker(WithClock(c.Now), WithAckDeadline(10*time.Second))
	b.CreateTopic("orders", pubsub.SchemaSettings{})
	require.NoError(t, b.CreateSubscription("orders-sub", "orders"))
	return b, c
}

func publish(t *testing.T, b *Broker, data ...string) {
	t.Helper()
	for _, d := range data {
		_, err := b.Send(context.Background(), "orders", pubsub.Message{Data: []byte(d)}).Get(context.Background())
		require.NoError(t, err)
	}
}

func TestPullAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	publish(t, b, "a", "b", "c")

	envs, err := b.Pull(ctx, "orders-sub", 2)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, []byte("a"), envs[0].Data)
	assert.Equal(t, []byte("b"), envs[1].Data)
	assert.Equal(t, 1, envs[0].DeliveryAttempt)

	require.NoError(t, b.Acknowledge(ctx, "orders-sub", []string{envs[0].AckID, envs[1].AckID}))

	stats := b.Stats("orders-sub")
	assert.Equal(t, 1, stats.Backlog)
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, 2, stats.Acked)
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	ctx := context.Background()
	b, c := newTestBroker(t)
	publish(t, b, "a", "b")

	first, err := b.Pull(ctx, "orders-sub", 10)
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, b.Acknowledge(ctx, "orders-sub", []string{first[1].AckID}))

	empty, err := b.Pull(ctx, "orders-sub", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	c.now = c.now.Add(11 * time.Second)

	again, err := b.Pull(ctx, "orders-sub", 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].MessageID, again[0].MessageID)
	assert.Equal(t, 2, again[0].DeliveryAttempt)
	assert.NotEqual(t, first[0].AckID, again[0].AckID)

	// The stale handle no longer acknowledges anything.
	require.NoError(t, b.Acknowledge(ctx, "orders-sub", []string{first[0].AckID}))
	assert.Equal(t, 1, b.Stats("orders-sub").Leased)
}

func TestSendErrors(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	_, err := b.Send(ctx, "missing", pubsub.Message{}).Get(ctx)
	assert.ErrorIs(t, err, pubsub.ErrTopicNotFound)

	boom := errors.New("boom")
	b.FailSends(boom)
	_, err = b.Send(ctx, "orders", pubsub.Message{}).Get(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestPullUnknownSubscription(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Pull(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, pubsub.ErrSubscriptionNotFound)
}

func TestSchemaLookup(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	rev := b.PutSchema("orders-schema", `{"type":"record","name":"X","fields":[]}`)
	b.CreateTopic("orders", pubsub.SchemaSettings{SchemaRef: "orders-schema", Encoding: "BINARY"})

	settings, err := b.TopicSchemaSettings(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders-schema", settings.SchemaRef)

	def, gotRev, err := b.Schema(ctx, "orders-schema")
	require.NoError(t, err)
	assert.Equal(t, rev, gotRev)
	assert.Contains(t, def, `"record"`)

	_, _, err = b.Schema(ctx, "unknown")
	assert.Error(t, err)

	_, err = b.TopicSchemaSettings(ctx, "unknown")
	assert.ErrorIs(t, err, pubsub.ErrTopicNotFound)
}
