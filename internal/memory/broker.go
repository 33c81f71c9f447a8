// Package memory is an in-process broker with lease based redelivery. It
// backs local runs and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventpipe/internal/pubsub"
)

const defaultAckDeadline = time.Minute

type message struct {
	seq         int64
	id          string
	data        []byte
	orderingKey string
	attributes  map[string]string
	publishTime time.Time
}

type lease struct {
	msg      *message
	deadline time.Time
}

type subscription struct {
	topic    string
	queue    []*message
	attempts map[string]int
	leases   map[string]*lease
	acked    int
}

type topic struct {
	settings pubsub.SchemaSettings
	subs     []string
}

// Broker implements pubsub.Broker, pubsub.MetadataLookup and
// pubsub.SchemaRegistry in memory.
type Broker struct {
	mu            sync.Mutex
	now           func() time.Time
	ackDeadline   time.Duration
	topics        map[string]*topic
	subscriptions map[string]*subscription
	schemas       map[string]schemaRevision
	seq           int64
	sendErr       error
	ackErr        error
	ackCalls      [][]string
}

type schemaRevision struct {
	definition string
	revision   string
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithAckDeadline sets how long a pulled message stays leased before it
// is redelivered.
func WithAckDeadline(d time.Duration) Option {
	return func(b *Broker) {
		b.ackDeadline = d
	}
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		now:           time.Now,
		ackDeadline:   defaultAckDeadline,
		topics:        make(map[string]*topic),
		subscriptions: make(map[string]*subscription),
		schemas:       make(map[string]schemaRevision),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateTopic registers a topic with its schema settings. Creating an
// existing topic updates its settings.
func (b *Broker) CreateTopic(name string, settings pubsub.SchemaSettings) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		t.settings = settings
		return
	}
	b.topics[name] = &topic{settings: settings}
}

// CreateSubscription attaches a subscription to a topic. Only messages
// published afterwards are delivered to it.
func (b *Broker) CreateSubscription(name, topicName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, topicName)
	}
	if _, ok := b.subscriptions[name]; ok {
		return nil
	}

	b.subscriptions[name] = &subscription{
		topic:    topicName,
		attempts: make(map[string]int),
		leases:   make(map[string]*lease),
	}
	t.subs = append(t.subs, name)

	return nil
}

// PutSchema stores a schema definition under name and returns its revision.
func (b *Broker) PutSchema(name, definition string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	rev := uuid.NewString()[:8]
	b.schemas[name] = schemaRevision{definition: definition, revision: rev}
	return rev
}

// FailSends makes every following Send fail with err until reset with nil.
func (b *Broker) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// FailAcks makes every following Acknowledge fail with err until reset
// with nil.
func (b *Broker) FailAcks(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackErr = err
}

func (b *Broker) TopicSchemaSettings(_ context.Context, name string) (pubsub.SchemaSettings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return pubsub.SchemaSettings{}, fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, name)
	}
	return t.settings, nil
}

func (b *Broker) Schema(_ context.Context, ref string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.schemas[ref]
	if !ok {
		return "", "", fmt.Errorf("schema %s not found", ref)
	}
	return s.definition, s.revision, nil
}

func (b *Broker) Send(ctx context.Context, topicName string, msg pubsub.Message) *pubsub.PublishResult {
	if err := ctx.Err(); err != nil {
		return pubsub.Resolved("", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return pubsub.Resolved("", b.sendErr)
	}
	t, ok := b.topics[topicName]
	if !ok {
		return pubsub.Resolved("", fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, topicName))
	}

	b.seq++
	m := &message{
		seq:         b.seq,
		id:          fmt.Sprintf("%d", b.seq),
		data:        append([]byte(nil), msg.Data...),
		orderingKey: msg.OrderingKey,
		attributes:  maps.Clone(msg.Attributes),
		publishTime: b.now().UTC(),
	}
	for _, name := range t.subs {
		sub := b.subscriptions[name]
		sub.queue = append(sub.queue, m)
	}

	return pubsub.Resolved(m.id, nil)
}

func (b *Broker) Pull(ctx context.Context, name string, max int) ([]pubsub.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, name)
	}

	b.expireLeases(sub)

	n := min(max, len(sub.queue))
	envelopes := make([]pubsub.Envelope, 0, n)
	for _, m := range sub.queue[:n] {
		sub.attempts[m.id]++
		ackID := uuid.NewString()
		sub.leases[ackID] = &lease{
			msg:      m,
			deadline: b.now().Add(b.ackDeadline),
		}
		envelopes = append(envelopes, pubsub.Envelope{
			MessageID:       m.id,
			AckID:           ackID,
			Data:            m.data,
			OrderingKey:     m.orderingKey,
			Attributes:      maps.Clone(m.attributes),
			PublishTime:     m.publishTime,
			DeliveryAttempt: sub.attempts[m.id],
		})
	}
	sub.queue = sub.queue[n:]

	return envelopes, nil
}

func (b *Broker) Acknowledge(ctx context.Context, name string, ackIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ackCalls = append(b.ackCalls, append([]string(nil), ackIDs...))
	if b.ackErr != nil {
		return b.ackErr
	}

	sub, ok := b.subscriptions[name]
	if !ok {
		return fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, name)
	}

	b.expireLeases(sub)
	for _, id := range ackIDs {
		l, ok := sub.leases[id]
		if !ok {
			continue
		}
		delete(sub.leases, id)
		delete(sub.attempts, l.msg.id)
		sub.acked++
	}

	return nil
}

// expireLeases puts messages whose ack deadline passed back at the head of
// the queue, oldest first.
func (b *Broker) expireLeases(sub *subscription) {
	now := b.now()
	var expired []*lease
	for id, l := range sub.leases {
		if !now.Before(l.deadline) {
			expired = append(expired, l)
			delete(sub.leases, id)
		}
	}
	if len(expired) == 0 {
		return
	}

	msgs := make([]*message, 0, len(expired)+len(sub.queue))
	slices.SortFunc(expired, func(a, b *lease) int {
		return int(a.msg.seq - b.msg.seq)
	})
	for _, l := range expired {
		msgs = append(msgs, l.msg)
	}
	sub.queue = append(msgs, sub.queue...)
}

// Stats is a snapshot of a subscription's state.
type Stats struct {
	Backlog  int
	Leased   int
	Acked    int
	AckCalls [][]string
}

func (b *Broker) Stats(name string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[name]
	if !ok {
		return Stats{}
	}
	calls := make([][]string, len(b.ackCalls))
	copy(calls, b.ackCalls)

	return Stats{
		Backlog:  len(sub.queue),
		Leased:   len(sub.leases),
		Acked:    sub.acked,
		AckCalls: calls,
	}
}
