package pubsub

import (
	"context"
	"sync"
)

// PublishResult is the pending outcome of a submitted message.
type PublishResult struct {
	ready chan struct{}
	once  sync.Once
	id    string
	err   error
}

func NewPublishResult() *PublishResult {
	return &PublishResult{ready: make(chan struct{})}
}

// Resolved returns a result that is already complete.
func Resolved(id string, err error) *PublishResult {
	r := NewPublishResult()
	r.Resolve(id, err)
	return r
}

// Resolve completes the result. Only the first call has any effect.
func (r *PublishResult) Resolve(id string, err error) {
	r.once.Do(func() {
		r.id, r.err = id, err
		close(r.ready)
	})
}

// Ready is closed once the result is resolved.
func (r *PublishResult) Ready() <-chan struct{} {
	return r.ready
}

// Get blocks until the broker confirms the message or ctx is done.
func (r *PublishResult) Get(ctx context.Context) (string, error) {
	select {
	case <-r.ready:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
