package enrich

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/codec"
	"eventpipe/internal/record"
)

var fixed = time.Date(2025, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))

func newEnricher() *Enricher {
	return New(WithClock(func() time.Time { return fixed }))
}

func TestEnrichOrder(t *testing.T) {
	rec := &record.Order{
		OrderID:     record.Text("A1"),
		Quantity:    record.Text("3"),
		Price:       record.Number(10.5),
		OrderStatus: record.Text(" shipped "),
	}

	got, err := newEnricher().Enrich(rec)
	require.NoError(t, err)

	require.NotNil(t, got.TotalAmount)
	assert.Equal(t, 31.5, *got.TotalAmount)
	assert.Equal(t, record.Text("SHIPPED"), got.Record.Field("order_status"))
	assert.Equal(t, fixed.UTC(), got.ProcessedAt)
	assert.Equal(t, time.UTC, got.ProcessedAt.Location())

	// The input is left untouched.
	assert.Equal(t, record.Text(" shipped "), rec.OrderStatus)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"order_id": "A1",
		"quantity": "3",
		"price": 10.5,
		"order_status": "SHIPPED",
		"total_amount": 31.5,
		"processed_at": "2025-03-14T08:26:53Z"
	}`, string(data))
}

func TestEnrichBooking(t *testing.T) {
	rec := &record.Booking{
		BookingID: record.Text("b-1"),
		RoomType:  record.Text("suite "),
		Amount:    record.Number(249.999),
		Status:    record.Text("confirmed"),
	}

	got, err := newEnricher().Enrich(rec)
	require.NoError(t, err)

	require.NotNil(t, got.TotalAmount)
	assert.Equal(t, 250.0, *got.TotalAmount)
	assert.Equal(t, record.Text("CONFIRMED"), got.Record.Field("status"))
	assert.Equal(t, record.Text("SUITE"), got.Record.Field("room_type"))
}

func TestEnrichMovieBooking(t *testing.T) {
	rec := &record.Booking{
		BookingID:     record.Text("m-1"),
		MovieTitle:    record.Text("Dune"),
		TicketPrice:   record.Text("12.5"),
		BookingStatus: record.Text(" confirmed"),
	}

	got, err := newEnricher().Enrich(rec)
	require.NoError(t, err)

	require.NotNil(t, got.TotalAmount)
	assert.Equal(t, 12.5, *got.TotalAmount)
	assert.Equal(t, record.Text("CONFIRMED"), got.Record.Field("booking_status"))
	assert.False(t, got.Record.Field("amount").Present())
}

func TestEnrichNullPrice(t *testing.T) {
	rec := &record.Order{
		OrderID:     record.Text("O1"),
		Quantity:    record.Text("3"),
		Price:       record.Null(),
		OrderStatus: record.Text(" shipped "),
	}

	got, err := newEnricher().Enrich(rec)
	require.NoError(t, err)
	assert.Nil(t, got.TotalAmount)
	assert.True(t, got.Record.Field("price").IsNull())

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"order_id": "O1",
		"quantity": "3",
		"price": null,
		"order_status": "SHIPPED",
		"total_amount": null,
		"processed_at": "2025-03-14T08:26:53Z"
	}`, string(data))
}

func TestEnrichMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		rec     record.Record
		missing []string
	}{
		{
			name: "order without price",
			rec: &record.Order{
				OrderID:     record.Text("1"),
				Quantity:    record.Number(1),
				OrderStatus: record.Text("pending"),
			},
			missing: []string{"price"},
		},
		{
			name:    "empty order",
			rec:     &record.Order{},
			missing: []string{"order_id", "quantity", "price", "order_status"},
		},
		{
			name:    "booking without amount and status",
			rec:     &record.Booking{BookingID: record.Text("b")},
			missing: []string{"amount", "status"},
		},
		{
			name:    "movie booking without status",
			rec:     &record.Booking{BookingID: record.Text("m"), TicketPrice: record.Number(9)},
			missing: []string{"status"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newEnricher().Enrich(tt.rec)
			assert.Nil(t, got)
			require.ErrorIs(t, err, pubsub.ErrValidationFailed)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.missing, verr.Missing)
			for _, name := range tt.missing {
				assert.Contains(t, err.Error(), name)
			}
		})
	}
}

func TestTotalAmount(t *testing.T) {
	tests := []struct {
		name     string
		quantity record.Value
		price    record.Value
		want     *float64
	}{
		{"numbers", record.Number(2), record.Number(19.99), ptr(39.98)},
		{"numeric text", record.Text("4"), record.Text("0.125"), ptr(0.5)},
		{"half rounds away from zero", record.Number(1), record.Number(0.125), ptr(0.13)},
		{"negative", record.Number(-1), record.Number(0.125), ptr(-0.13)},
		{"zero", record.Number(0), record.Number(12), ptr(0)},
		{"non numeric quantity", record.Text("two"), record.Number(1), nil},
		{"non numeric price", record.Number(1), record.Text("n/a"), nil},
		{"nan text", record.Text("NaN"), record.Number(1), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &record.Order{Quantity: tt.quantity, Price: tt.price}
			got := TotalAmount(rec)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestEnrichNonNumericDegrades(t *testing.T) {
	rec := &record.Order{
		OrderID:     record.Text("1"),
		Quantity:    record.Text("a few"),
		Price:       record.Number(3),
		OrderStatus: record.Text("pending"),
	}

	got, err := newEnricher().Enrich(rec)
	require.NoError(t, err)
	assert.Nil(t, got.TotalAmount)

	data, err := json.Marshal(got)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	v, ok := out["total_amount"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestEnrichIsIdempotent(t *testing.T) {
	e := newEnricher()
	c := codec.New()

	rec := &record.Order{
		OrderID:     record.Text("9"),
		Quantity:    record.Number(7),
		Price:       record.Number(3.333),
		OrderStatus: record.Text("  in transit"),
	}

	first, err := e.Enrich(rec)
	require.NoError(t, err)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	again, err := c.Decode(firstJSON)
	require.NoError(t, err)
	second, err := e.Enrich(again)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.JSONEq(t, string(firstJSON), string(secondJSON))
}

func ptr(f float64) *float64 {
	return &f
}
