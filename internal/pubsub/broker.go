package pubsub

import "context"

// MetadataLookup reads a topic's schema settings from the broker's
// administrative surface.
type MetadataLookup interface {
	// TopicSchemaSettings returns the schema reference and encoding bound to
	// topic. Topics without a schema return empty settings and no error.
	TopicSchemaSettings(ctx context.Context, topic string) (SchemaSettings, error)
}

// SchemaRegistry fetches schema definitions.
type SchemaRegistry interface {
	// Schema returns the full definition text and revision for ref.
	Schema(ctx context.Context, ref string) (definition string, revision string, err error)
}

// Sender publishes messages to topics.
type Sender interface {
	// Send submits msg to topic and returns immediately. The result resolves
	// with the broker-assigned delivery id or the publish failure.
	Send(ctx context.Context, topic string, msg Message) *PublishResult
}

// Receiver pulls and acknowledges messages on subscriptions.
type Receiver interface {
	// Pull returns up to max envelopes. An empty slice means nothing was
	// available within the broker's wait window.
	Pull(ctx context.Context, sub string, max int) ([]Envelope, error)

	// Acknowledge confirms processing of the given handles. Unknown or
	// expired handles are ignored by the broker.
	Acknowledge(ctx context.Context, sub string, ackIDs []string) error
}

// Broker is a full transport client.
type Broker interface {
	Sender
	Receiver
}
