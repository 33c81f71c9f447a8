package controller

import (
	"fmt"
	"time"

	"eventpipe/internal/couchbase"
)

// Collection names inside the configured scope.
const (
	TopicsCollection        = "topics"
	SchemasCollection       = "schemas"
	SubscriptionsCollection = "subscriptions"
	MessagesCollection      = "messages"
	OffsetsCollection       = "offsets"
	CursorsCollection       = "cursors"
	LeasesCollection        = "leases"
	ReceiptsCollection      = "receipts"
)

// Collections lists every collection the controller needs.
var Collections = []string{
	TopicsCollection,
	SchemasCollection,
	SubscriptionsCollection,
	MessagesCollection,
	OffsetsCollection,
	CursorsCollection,
	LeasesCollection,
	ReceiptsCollection,
}

// Topic holds a topic's schema binding.
type Topic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SchemaRef string    `json:"schemaRef,omitempty"`
	Encoding  string    `json:"encoding,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Schema is the latest revision of a named schema definition.
type Schema struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Revision   int       `json:"revision"`
	Definition string    `json:"definition"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Subscription attaches a consumer group to a topic. Messages below
// StartOffset were published before it existed and are never delivered.
type Subscription struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic"`
	StartOffset uint64    `json:"startOffset"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Offset      uint64            `json:"offset"`
	Data        []byte            `json:"data"`
	OrderingKey string            `json:"orderingKey,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime time.Time         `json:"publishTime"`
}

// Offset is the next offset to assign on a topic.
type Offset struct {
	ID string `json:"id"`
	N  uint64 `json:"n"`
}

// Cursor is the first offset of a subscription that is not yet known to
// be acknowledged.
type Cursor struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Sub    string `json:"sub"`
	Offset uint64 `json:"offset"`
}

// Lease marks a message as delivered to a subscription until Expires.
// Token changes on every delivery so handles from earlier deliveries go
// stale.
type Lease struct {
	ID        string    `json:"id"`
	Sub       string    `json:"sub"`
	MessageID string    `json:"messageID"`
	Offset    uint64    `json:"offset"`
	Token     string    `json:"token"`
	Attempt   int       `json:"attempt"`
	Expires   time.Time `json:"expires"`

	couchbase.Cas `json:"-"`
}

// Receipt records that a subscription acknowledged a message.
type Receipt struct {
	ID        string    `json:"id"`
	Sub       string    `json:"sub"`
	MessageID string    `json:"messageID"`
	Offset    uint64    `json:"offset"`
	AckedAt   time.Time `json:"ackedAt"`
}

func TopicKey(name string) string {
	return fmt.Sprintf("topic::%s", name)
}

func SchemaKey(name string) string {
	return fmt.Sprintf("schema::%s", name)
}

func SubscriptionKey(name string) string {
	return fmt.Sprintf("subscription::%s", name)
}

func MessageKey(topic string, offset uint64) string {
	return fmt.Sprintf("message::%s::%d", topic, offset)
}

func OffsetKey(topic string) string {
	return fmt.Sprintf("offset::%s", topic)
}

func CursorKey(topic, sub string) string {
	return fmt.Sprintf("cursor::%s::%s", topic, sub)
}

func LeaseKey(sub, msgID string) string {
	return fmt.Sprintf("lease::%s::%s", sub, msgID)
}

func ReceiptKey(sub, msgID string) string {
	return fmt.Sprintf("receipt::%s::%s", sub, msgID)
}
