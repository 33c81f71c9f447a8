package pulsar

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
)

// TestBrokerRoundTrip runs against the broker in PULSAR_URL.
func TestBrokerRoundTrip(t *testing.T) {
	url := os.Getenv("PULSAR_URL")
	if url == "" {
		t.Skip("PULSAR_URL not set")
	}

	now := time.Now()
	cfg := testConfig()
	cfg.URL = url
	cfg.OperationTimeout = 30 * time.Second
	cfg.ReceiveWait = 5 * time.Second
	cfg.AckDeadline = time.Minute
	cfg.NackDelay = 100 * time.Millisecond

	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	b.now = func() time.Time { return now }

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	topic := "orders-" + uuid.NewString()[:8]
	require.NoError(t, b.Subscribe(topic+"-sub", topic))

	_, err = b.Send(ctx, topic, pubsub.Message{
		Data:        []byte(`{"order_id":"1"}`),
		OrderingKey: "1",
		Attributes:  map[string]string{pubsub.AttrEncoding: "JSON"},
	}).Get(ctx)
	require.NoError(t, err)

	first, err := b.Pull(ctx, topic+"-sub", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].DeliveryAttempt)
	assert.Equal(t, "JSON", first[0].Attributes[pubsub.AttrEncoding])

	// past the deadline the delivery is nacked and comes back
	now = now.Add(2 * time.Minute)
	again, err := b.Pull(ctx, topic+"-sub", 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].DeliveryAttempt)

	require.NoError(t, b.Acknowledge(ctx, topic+"-sub", []string{first[0].AckID, again[0].AckID}))
}

func TestPullUnknownSubscription(t *testing.T) {
	b := &Broker{subs: make(map[string]*subscription)}

	_, err := b.Pull(context.Background(), "orders-sub", 1)
	assert.ErrorIs(t, err, pubsub.ErrSubscriptionNotFound)
}
