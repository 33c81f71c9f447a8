// Package mock generates sample orders and bookings for producers and the
// booking trigger.
package mock

import (
	_ "embed"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventpipe/internal/record"
)

// OrderSchema and BookingSchema are Avro definitions matching the
// generated records, for binding to BINARY or JSON topics.
var (
	//go:embed schemas/order.avsc
	OrderSchema string

	//go:embed schemas/booking.avsc
	BookingSchema string
)

var (
	items         = []string{"Laptop", "Phone", "Book", "Tablet", "Monitor"}
	addresses     = []string{"123 Main St, City A, Country", "456 Elm St, City B, Country", "789 Oak St, City C, Country"}
	orderStatuses = []string{"Shipped", "Pending", "Delivered", "Cancelled"}

	roomTypes       = []string{"SINGLE", "DOUBLE", "SUITE"}
	bookingStatuses = []string{"CONFIRMED", "CANCELLED", "PENDING"}

	movies     = []string{"The Grand Heist", "Future Worlds", "Love in Autumn", "Mystery Manor", "Comedy Nights", "Space Odyssey"}
	theaters   = []string{"Cineplex 1", "Galaxy Cinema", "Starlight Theater", "Downtown Screens"}
	currencies = []string{"USD", "EUR", "GBP", "INR", "JPY"}
)

const dateLayout = "2006-01-02"

// Generator produces random records. It is safe for concurrent use.
type Generator struct {
	mu          sync.Mutex
	rand        *rand.Rand
	now         func() time.Time
	nextOrderID int
}

type Option func(*Generator)

// WithSeed makes the generated sequence deterministic. Booking ids are
// uuids and stay random.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		g.rand = rand.New(rand.NewPCG(seed, seed))
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// WithFirstOrderID sets the id of the first generated order.
func WithFirstOrderID(id int) Option {
	return func(g *Generator) {
		g.nextOrderID = id
	}
}

func New(opts ...Option) *Generator {
	g := &Generator{
		rand:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:         time.Now,
		nextOrderID: 1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Order returns an order with the next sequential id.
func (g *Generator) Order() *record.Order {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextOrderID
	g.nextOrderID++

	return &record.Order{
		OrderID:         record.Number(float64(id)),
		CustomerID:      record.Number(float64(g.between(100, 1000))),
		Item:            record.Text(pick(g.rand, items)),
		Quantity:        record.Number(float64(g.between(1, 10))),
		Price:           record.Number(round2(g.uniform(100, 1500))),
		ShippingAddress: record.Text(pick(g.rand, addresses)),
		OrderStatus:     record.Text(pick(g.rand, orderStatuses)),
		CreationDate:    record.Text(g.now().UTC().Format(dateLayout)),
	}
}

// HotelBooking returns a booking checking in within 30 days for up to a
// week.
func (g *Generator) HotelBooking() *record.Booking {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := g.now().UTC()
	checkin := today.AddDate(0, 0, g.between(1, 30))
	checkout := checkin.AddDate(0, 0, g.between(1, 7))

	return &record.Booking{
		BookingID:    record.Text(uuid.NewString()),
		UserID:       record.Text(fmt.Sprintf("user-%d", g.between(1000, 9999))),
		HotelID:      record.Text(fmt.Sprintf("hotel-%d", g.between(100, 199))),
		BookingDate:  record.Text(today.Format(dateLayout)),
		CheckinDate:  record.Text(checkin.Format(dateLayout)),
		CheckoutDate: record.Text(checkout.Format(dateLayout)),
		RoomType:     record.Text(pick(g.rand, roomTypes)),
		Amount:       record.Number(round2(g.uniform(80, 500))),
		Currency:     record.Text("USD"),
		Status:       record.Text(pick(g.rand, bookingStatuses)),
	}
}

// MovieBooking returns a ticket for a show within the next three days.
func (g *Generator) MovieBooking() *record.Booking {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	show := now.Add(time.Duration(g.between(1, 72)) * time.Hour)
	row := string(rune('A' + g.rand.IntN(6)))

	return &record.Booking{
		BookingID:     record.Text(uuid.NewString()),
		UserID:        record.Text(fmt.Sprintf("user_%d", g.between(1000, 9999))),
		MovieTitle:    record.Text(pick(g.rand, movies)),
		TheaterName:   record.Text(pick(g.rand, theaters)),
		ShowTime:      record.Text(show.Format(time.RFC3339)),
		Seat:          record.Text(row + strconv.Itoa(g.between(1, 20))),
		TicketPrice:   record.Number(round2(g.uniform(8, 25))),
		Currency:      record.Text(pick(g.rand, currencies)),
		BookingStatus: record.Text(pick(g.rand, bookingStatuses)),
		BookedAt:      record.Text(now.Format(time.RFC3339)),
	}
}

// MovieBatch returns between 3 and 7 movie bookings.
func (g *Generator) MovieBatch() []record.Record {
	g.mu.Lock()
	n := g.between(3, 7)
	g.mu.Unlock()

	out := make([]record.Record, n)
	for i := range out {
		out[i] = g.MovieBooking()
	}
	return out
}

// Records yields n records of kind, or an endless stream when n <= 0.
// Bookings are hotel bookings.
func (g *Generator) Records(kind record.Kind, n int) iter.Seq[record.Record] {
	next := func() record.Record { return g.Order() }
	if kind == record.KindBooking {
		next = func() record.Record { return g.HotelBooking() }
	}

	return func(yield func(record.Record) bool) {
		for i := 0; n <= 0 || i < n; i++ {
			if !yield(next()) {
				return
			}
		}
	}
}

// Schema returns the Avro definition of kind.
func Schema(kind record.Kind) string {
	if kind == record.KindBooking {
		return BookingSchema
	}
	return OrderSchema
}

// between returns a random int in [lo, hi].
func (g *Generator) between(lo, hi int) int {
	return lo + g.rand.IntN(hi-lo+1)
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rand.Float64()*(hi-lo)
}

func pick(r *rand.Rand, from []string) string {
	return from[r.IntN(len(from))]
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
