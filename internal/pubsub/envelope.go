package pubsub

import "time"

// Attribute keys set by publishers.
const (
	AttrEncoding = "encoding"
	AttrSchema   = "schema"
)

// Message is what a publisher hands to a broker.
type Message struct {
	Data        []byte
	OrderingKey string
	Attributes  map[string]string
}

// Envelope is a delivered message. AckID stays valid until it is
// acknowledged or the broker's ack deadline passes, after which the message
// is redelivered under a new AckID.
type Envelope struct {
	MessageID       string
	AckID           string
	Data            []byte
	OrderingKey     string
	Attributes      map[string]string
	PublishTime     time.Time
	DeliveryAttempt int
}
