package record

import (
	"encoding/json"
	"maps"
)

// Booking is a hotel room or movie ticket reservation. Hotel bookings
// carry the hotel and stay fields and are priced by Amount with a Status.
// Movie bookings carry the show fields and are priced by TicketPrice with a
// BookingStatus.
type Booking struct {
	BookingID     Value `json:"booking_id,omitzero"`
	UserID        Value `json:"user_id,omitzero"`
	HotelID       Value `json:"hotel_id,omitzero"`
	RoomType      Value `json:"room_type,omitzero"`
	BookingDate   Value `json:"booking_date,omitzero"`
	CheckinDate   Value `json:"checkin_date,omitzero"`
	CheckoutDate  Value `json:"checkout_date,omitzero"`
	MovieTitle    Value `json:"movie_title,omitzero"`
	TheaterName   Value `json:"theater_name,omitzero"`
	ShowTime      Value `json:"show_time,omitzero"`
	Seat          Value `json:"seat,omitzero"`
	TicketPrice   Value `json:"ticket_price,omitzero"`
	BookingStatus Value `json:"booking_status,omitzero"`
	Amount        Value `json:"amount,omitzero"`
	Currency      Value `json:"currency,omitzero"`
	Status        Value `json:"status,omitzero"`
	BookedAt      Value `json:"booked_at,omitzero"`

	// Extra holds keys the producer sent that Booking does not model. They are
	// echoed back when the record is marshalled as JSON.
	Extra map[string]json.RawMessage `json:"-"`
}

var _ Record = (*Booking)(nil)

func (b *Booking) fields() []field {
	return []field{
		{"booking_id", &b.BookingID},
		{"user_id", &b.UserID},
		{"hotel_id", &b.HotelID},
		{"room_type", &b.RoomType},
		{"booking_date", &b.BookingDate},
		{"checkin_date", &b.CheckinDate},
		{"checkout_date", &b.CheckoutDate},
		{"movie_title", &b.MovieTitle},
		{"theater_name", &b.TheaterName},
		{"show_time", &b.ShowTime},
		{"seat", &b.Seat},
		{"ticket_price", &b.TicketPrice},
		{"booking_status", &b.BookingStatus},
		{"amount", &b.Amount},
		{"currency", &b.Currency},
		{"status", &b.Status},
		{"booked_at", &b.BookedAt},
	}
}

func (b *Booking) Kind() Kind {
	return KindBooking
}

func (b *Booking) ID() string {
	return b.BookingID.String()
}

func (b *Booking) Field(name string) Value {
	if v := lookup(b.fields(), name); v != nil {
		return *v
	}
	return Value{}
}

func (b *Booking) SetField(name string, v Value) bool {
	p := lookup(b.fields(), name)
	if p == nil {
		return false
	}
	*p = v
	return true
}

func (b *Booking) FieldNames() []string {
	return names(b.fields())
}

// Required asks for the price and status under whichever name the booking
// uses, so a movie booking is not rejected for lacking amount and status.
func (b *Booking) Required() []string {
	return []string{"booking_id", b.priceField(), b.statusField()}
}

func (b *Booking) Normalized() []string {
	return []string{"status", "booking_status", "room_type"}
}

// Pricing treats a booking as a single unit priced at Amount, or at
// TicketPrice for movie bookings.
func (b *Booking) Pricing() (Value, Value) {
	return Number(1), b.Field(b.priceField())
}

func (b *Booking) priceField() string {
	if !b.Amount.Present() && b.TicketPrice.Present() {
		return "ticket_price"
	}
	return "amount"
}

func (b *Booking) statusField() string {
	if !b.Status.Present() && b.BookingStatus.Present() {
		return "booking_status"
	}
	return "status"
}

func (b *Booking) Clone() Record {
	c := *b
	c.Extra = maps.Clone(b.Extra)
	return &c
}

func (b *Booking) MarshalJSON() ([]byte, error) {
	return marshalFields(b.fields(), b.Extra)
}

func (b *Booking) UnmarshalJSON(data []byte) error {
	extra, err := unmarshalFields(data, b.fields())
	if err != nil {
		return err
	}
	b.Extra = extra
	return nil
}
