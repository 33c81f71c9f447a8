package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"eventpipe/internal/memory"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/metrics"
	"eventpipe/internal/pubsub/tracing"
)

func newMemoryBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.NewBroker()
	b.CreateTopic("orders", pubsub.SchemaSettings{})
	require.NoError(t, b.CreateSubscription("orders-sub", "orders"))
	return b
}

func roundTrip(t *testing.T, b pubsub.Broker) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Send(ctx, "orders", pubsub.Message{Data: []byte(`{"order_id":"1"}`)}).Get(ctx)
	require.NoError(t, err)

	envelopes, err := b.Pull(ctx, "orders-sub", 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	require.NoError(t, b.Acknowledge(ctx, "orders-sub", []string{envelopes[0].AckID}))
}

func TestMetricsBroker(t *testing.T) {
	inner := newMemoryBroker(t)
	registry := metrics.NewRegistry()
	b := NewMetricsBroker(inner, registry)

	roundTrip(t, b)

	// send, pull and acknowledge, each with a success series
	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(registry.Gatherer(), "eventpipe_broker_operation_total")
		return err == nil && n == 3
	}, time.Second, 10*time.Millisecond)

	inner.FailSends(errors.New("broker down"))
	_, err := b.Send(context.Background(), "orders", pubsub.Message{}).Get(context.Background())
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(registry.Gatherer(), "eventpipe_broker_operation_total")
		return err == nil && n == 4
	}, time.Second, 10*time.Millisecond)
}

func TestTracedBroker(t *testing.T) {
	inner := newMemoryBroker(t)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	b := NewTracedBroker(inner, tracing.NewTracerFrom(provider.Tracer("test")), "memory")

	roundTrip(t, b)

	assert.Eventually(t, func() bool {
		return len(recorder.Ended()) == 3
	}, time.Second, 10*time.Millisecond)

	names := make(map[string]codes.Code)
	for _, span := range recorder.Ended() {
		names[span.Name()] = span.Status().Code
	}
	assert.Equal(t, map[string]codes.Code{
		"broker.send":        codes.Ok,
		"broker.pull":        codes.Ok,
		"broker.acknowledge": codes.Ok,
	}, names)
}
