package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventpipe/internal/enrich"
	"eventpipe/internal/memory"
	"eventpipe/internal/mock"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/metrics"
	"eventpipe/internal/pubsub/publisher"
	"eventpipe/internal/pubsub/resolver"
	"eventpipe/internal/record"
)

var fixed = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTrigger(t *testing.T, opts ...Option) (*Trigger, *metrics.Registry) {
	t.Helper()
	registry := metrics.NewRegistry()
	trig, err := New(enrich.New(enrich.WithClock(func() time.Time { return fixed })), registry, zap.NewNop(), opts...)
	require.NoError(t, err)
	return trig, registry
}

func TestProcess(t *testing.T) {
	trig, _ := newTrigger(t)

	tests := []struct {
		name     string
		body     string
		status   int
		contains string
	}{
		{
			name:     "enriched order",
			body:     `{"order_id": 1, "quantity": 2, "price": 10.555, "order_status": " shipped "}`,
			status:   http.StatusOK,
			contains: `"order_status":"SHIPPED"`,
		},
		{
			name:     "missing price",
			body:     `{"order_id": 1, "quantity": 2, "order_status": "pending"}`,
			status:   http.StatusBadRequest,
			contains: "price",
		},
		{
			name:     "malformed",
			body:     `{"order_id":`,
			status:   http.StatusBadRequest,
			contains: "Bad message format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, status := trig.Process([]byte(tt.body))
			assert.Equal(t, tt.status, status)
			assert.Contains(t, out, tt.contains)
		})
	}
}

func TestProcessShippedScenario(t *testing.T) {
	trig, _ := newTrigger(t)

	out, status := trig.Process([]byte(`{"order_id": 7, "quantity": 3, "price": 19.99, "order_status": " shipped "}`))
	require.Equal(t, http.StatusOK, status)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "SHIPPED", got["order_status"])
	assert.Equal(t, 59.97, got["total_amount"])
	assert.Equal(t, "2025-05-01T12:00:00Z", got["processed_at"])
}

func TestProcessNullPrice(t *testing.T) {
	trig, _ := newTrigger(t)

	out, status := trig.Process([]byte(`{"order_id": "O1", "quantity": "3", "price": null, "order_status": " shipped "}`))
	require.Equal(t, http.StatusOK, status, out)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Contains(t, got, "price")
	assert.Nil(t, got["price"])
	assert.Contains(t, got, "total_amount")
	assert.Nil(t, got["total_amount"])
	assert.Equal(t, "SHIPPED", got["order_status"])
}

func TestProcessEchoesUnknownKeys(t *testing.T) {
	trig, _ := newTrigger(t)

	out, status := trig.Process([]byte(`{"order_id": 3, "quantity": 1, "price": 5, "order_status": "pending", "Shipping_addres": "12 Elm St", "gift": {"wrap": true}}`))
	require.Equal(t, http.StatusOK, status, out)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "12 Elm St", got["Shipping_addres"])
	assert.Equal(t, map[string]any{"wrap": true}, got["gift"])
	assert.Equal(t, 5.0, got["total_amount"])
}

func TestProcessMovieBooking(t *testing.T) {
	trig, _ := newTrigger(t)

	out, status := trig.Process([]byte(`{"booking_id": "m-1", "movie_title": "Dune", "ticket_price": 12.5, "booking_status": " confirmed "}`))
	require.Equal(t, http.StatusOK, status, out)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 12.5, got["total_amount"])
	assert.Equal(t, "CONFIRMED", got["booking_status"])
	assert.NotContains(t, got, "amount")
}

func TestPushRoute(t *testing.T) {
	trig, registry := newTrigger(t)
	router := trig.Router()

	encoded := base64.StdEncoding.EncodeToString([]byte(`{"order_id": 5, "quantity": 1, "price": 4.5, "order_status": "pending"}`))

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{name: "valid", body: `{"message": {"data": "` + encoded + `", "messageId": "m-1"}}`, status: http.StatusOK},
		{name: "no data", body: `{"message": {"messageId": "m-2"}}`, status: http.StatusBadRequest, want: "No data"},
		{name: "bad base64", body: `{"message": {"data": "!!!"}}`, status: http.StatusBadRequest, want: "Bad message format"},
		{name: "not json", body: `nope`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/pubsub/push", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.want != "" {
				assert.Contains(t, w.Body.String(), tt.want)
			}
		})
	}

	// One series per status code.
	n, err := testutil.GatherAndCount(registry.Gatherer(), "eventpipe_trigger_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecordsRoute(t *testing.T) {
	trig, _ := newTrigger(t)
	router := trig.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/records", strings.NewReader(`{"booking_id": "b-1", "amount": 120, "status": " confirmed "}`))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"CONFIRMED"`)
	assert.Contains(t, w.Body.String(), `"total_amount":120`)
}

func TestHealthRoute(t *testing.T) {
	trig, _ := newTrigger(t)

	w := httptest.NewRecorder()
	trig.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenerateBookings(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	broker.CreateTopic("movie-bookings", pubsub.SchemaSettings{})
	require.NoError(t, broker.CreateSubscription("movie-bookings-sub", "movie-bookings"))

	r, err := resolver.New(broker, broker, zap.NewNop())
	require.NoError(t, err)
	pub, err := publisher.New(ctx, r, broker, "movie-bookings", zap.NewNop())
	require.NoError(t, err)

	gen := mock.New(mock.WithSeed(3), mock.WithClock(func() time.Time { return fixed }))
	var n int
	trig, _ := newTrigger(t, WithBookings(pub, func() []record.Record {
		batch := gen.MovieBatch()
		n = len(batch)
		return batch
	}))

	w := httptest.NewRecorder()
	trig.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/bookings/generate", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Published "+strconv.Itoa(n)+" movie bookings\n", w.Body.String())
	assert.Equal(t, n, broker.Stats("movie-bookings-sub").Backlog)
}

func TestGenerateRouteDisabled(t *testing.T) {
	trig, _ := newTrigger(t)

	w := httptest.NewRecorder()
	trig.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/bookings/generate", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
