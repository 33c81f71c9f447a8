package mock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpipe/internal/enrich"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/codec"
	"eventpipe/internal/record"
)

var fixed = time.Date(2025, 6, 18, 9, 30, 0, 0, time.UTC)

func newGenerator() *Generator {
	return New(WithSeed(42), WithClock(func() time.Time { return fixed }))
}

func TestOrderIDsAreSequential(t *testing.T) {
	g := New(WithFirstOrderID(7))

	assert.Equal(t, "7", g.Order().ID())
	assert.Equal(t, "8", g.Order().ID())
}

func TestSeedIsDeterministic(t *testing.T) {
	a, b := newGenerator().Order(), newGenerator().Order()
	assert.Equal(t, a, b)
}

func TestGeneratedRecordsEnrich(t *testing.T) {
	g := newGenerator()
	e := enrich.New(enrich.WithClock(func() time.Time { return fixed }))

	for _, rec := range []record.Record{g.Order(), g.HotelBooking(), g.MovieBooking()} {
		enriched, err := e.Enrich(rec)
		require.NoError(t, err, rec.Kind())
		assert.NotNil(t, enriched.TotalAmount, rec.Kind())
	}
}

func TestMovieBookingUsesShowFields(t *testing.T) {
	rec := newGenerator().MovieBooking()

	assert.True(t, rec.TicketPrice.IsNumber())
	assert.True(t, rec.BookingStatus.Present())
	assert.False(t, rec.Amount.Present())
	assert.False(t, rec.Status.Present())
}

func TestMovieBatchSize(t *testing.T) {
	g := newGenerator()
	for range 20 {
		n := len(g.MovieBatch())
		assert.GreaterOrEqual(t, n, 3)
		assert.LessOrEqual(t, n, 7)
	}
}

func TestRecords(t *testing.T) {
	g := newGenerator()

	var kinds []record.Kind
	for rec := range g.Records(record.KindBooking, 3) {
		kinds = append(kinds, rec.Kind())
	}
	assert.Equal(t, []record.Kind{record.KindBooking, record.KindBooking, record.KindBooking}, kinds)

	n := 0
	for range g.Records(record.KindOrder, 0) {
		n++
		if n == 50 {
			break
		}
	}
	assert.Equal(t, 50, n)
}

func TestSchemasEncodeGeneratedRecords(t *testing.T) {
	g := newGenerator()
	c := codec.New()

	tests := []struct {
		name string
		kind record.Kind
		rec  record.Record
	}{
		{name: "order", kind: record.KindOrder, rec: g.Order()},
		{name: "hotel booking", kind: record.KindBooking, rec: g.HotelBooking()},
		{name: "movie booking", kind: record.KindBooking, rec: g.MovieBooking()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema, err := pubsub.ParseSchema(pubsub.SchemaRef{Name: tt.name}, Schema(tt.kind))
			require.NoError(t, err)
			binding := pubsub.TopicBinding{Topic: tt.name, Schema: schema, Encoding: pubsub.EncodingBinary}

			data, err := c.Encode(tt.rec, binding)
			require.NoError(t, err)

			got, err := c.DecodeBinary(data, schema)
			require.NoError(t, err)
			assert.Equal(t, tt.rec, got)
		})
	}
}
