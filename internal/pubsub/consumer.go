package pubsub

import "context"

// Skip reasons reported in a Batch.
const (
	SkipMalformed  = "malformed"
	SkipValidation = "validation"
	SkipHandler    = "handler"
)

// Batch summarises one pull cycle.
type Batch struct {
	Pulled  int
	Acked   int
	Skipped map[string]int
	// AckErr is set when the acknowledge call failed. The batch is then
	// left to redelivery.
	AckErr error
}

// Consumer runs pull cycles on a subscription.
type Consumer interface {
	// Pull runs one cycle: pull a batch, process every envelope, and
	// acknowledge the ones that succeeded.
	Pull(ctx context.Context) (Batch, error)

	// Subscription returns the subscription this consumer reads.
	Subscription() string
}
