package pubsub

import (
	"context"

	"eventpipe/internal/record"
)

// Producer publishes records to the topic it is bound to.
type Producer interface {
	// Publish encodes rec for the bound topic and blocks until the broker
	// confirms it, returning the delivery id.
	Publish(ctx context.Context, rec record.Record) (string, error)

	// Binding returns the topic binding resolved for this session.
	Binding() TopicBinding
}
