// Package controller implements a pub/sub broker on top of Couchbase.
//
// Topics are append-only logs of message documents keyed by offset. Each
// subscription keeps a cursor below which every message is acknowledged,
// a lease per delivered message and a receipt per acknowledged message.
package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventpipe/internal/couchbase"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/validator"
)

const (
	defaultAckDeadline = time.Minute
	defaultRetention   = 7 * 24 * time.Hour

	// scanFactor bounds how many messages past the cursor a pull inspects
	// per requested message, to step over leased and acknowledged ones.
	scanFactor = 4

	// maxCursorAdvance bounds the receipts checked by one acknowledge call.
	maxCursorAdvance = 1000

	ackIDSeparator = "|"
)

var (
	_ pubsub.Broker         = (*Controller)(nil)
	_ pubsub.MetadataLookup = (*Controller)(nil)
	_ pubsub.SchemaRegistry = (*Controller)(nil)
)

// Controller is a Couchbase backed pubsub.Broker. It also serves topic
// schema settings and schema definitions so a resolver can be built on it
// alone.
type Controller struct {
	bucket        *gocb.Bucket
	scope         string
	topics        *couchbase.Store[Topic]
	schemas       *couchbase.Store[Schema]
	subscriptions *couchbase.Store[Subscription]
	messages      *couchbase.Store[Message]
	offsets       *couchbase.Store[Offset]
	cursors       *couchbase.Store[Cursor]
	leases        *couchbase.Store[Lease]
	receipts      *couchbase.Store[Receipt]
	transactions  *couchbase.Transactions
	logger        *zap.Logger

	now         func() time.Time
	ackDeadline time.Duration
	retention   time.Duration
}

type Option func(*Controller)

// WithAckDeadline sets how long a delivered message stays leased before
// it is redelivered.
func WithAckDeadline(d time.Duration) Option {
	return func(c *Controller) {
		c.ackDeadline = d
	}
}

// WithRetention sets the expiry of message, lease and receipt documents.
func WithRetention(d time.Duration) Option {
	return func(c *Controller) {
		c.retention = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New opens the controller's stores in scope. Call Setup once per
// deployment to create the collections and indexes they rely on.
func New(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if err := validator.Validate("controller", cluster, bucket, scope, logger); err != nil {
		return nil, err
	}

	c := &Controller{
		bucket:      bucket,
		scope:       scope,
		logger:      logger.Named("controller"),
		now:         time.Now,
		ackDeadline: defaultAckDeadline,
		retention:   defaultRetention,
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.topics, err = couchbase.OpenStore[Topic](cluster, bucket, scope, TopicsCollection); err != nil {
		return nil, err
	}
	if c.schemas, err = couchbase.OpenStore[Schema](cluster, bucket, scope, SchemasCollection); err != nil {
		return nil, err
	}
	if c.subscriptions, err = couchbase.OpenStore[Subscription](cluster, bucket, scope, SubscriptionsCollection); err != nil {
		return nil, err
	}
	if c.messages, err = couchbase.OpenStore[Message](cluster, bucket, scope, MessagesCollection); err != nil {
		return nil, err
	}
	if c.offsets, err = couchbase.OpenStore[Offset](cluster, bucket, scope, OffsetsCollection); err != nil {
		return nil, err
	}
	if c.cursors, err = couchbase.OpenStore[Cursor](cluster, bucket, scope, CursorsCollection); err != nil {
		return nil, err
	}
	if c.leases, err = couchbase.OpenStore[Lease](cluster, bucket, scope, LeasesCollection); err != nil {
		return nil, err
	}
	if c.receipts, err = couchbase.OpenStore[Receipt](cluster, bucket, scope, ReceiptsCollection); err != nil {
		return nil, err
	}
	if c.transactions, err = couchbase.NewTransactions(cluster); err != nil {
		return nil, err
	}

	return c, nil
}

// Setup creates any missing collection and the primary index used to scan
// messages.
func (c *Controller) Setup(ctx context.Context) error {
	mgr := c.bucket.CollectionsV2()
	for _, name := range Collections {
		err := mgr.CreateCollection(c.scope, name, nil, &gocb.CreateCollectionOptions{Context: ctx})
		switch {
		case err == nil:
			c.logger.Info("created collection", zap.String("collection", name))
		case errors.Is(err, gocb.ErrCollectionExists):
		default:
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}

	if err := c.messages.EnsurePrimaryIndex(ctx); err != nil {
		return err
	}

	return nil
}

// CreateTopic creates a topic or replaces the schema settings of an
// existing one.
func (c *Controller) CreateTopic(ctx context.Context, name string, settings pubsub.SchemaSettings) error {
	key := TopicKey(name)
	topic := Topic{
		ID:        key,
		Name:      name,
		SchemaRef: settings.SchemaRef,
		Encoding:  settings.Encoding,
		CreatedAt: c.now().UTC(),
	}

	if err := c.topics.Upsert(ctx, key, topic, nil); err != nil {
		return fmt.Errorf("failed to create topic %s: %w", name, err)
	}

	return nil
}

// CreateSubscription attaches a subscription to topic. Only messages
// published afterwards are delivered. Creating an existing subscription is
// a no-op.
func (c *Controller) CreateSubscription(ctx context.Context, name, topic string) error {
	ok, err := c.topics.Exists(ctx, TopicKey(topic))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, topic)
	}

	start, err := c.nextOffset(ctx, topic)
	if err != nil {
		return err
	}

	key := SubscriptionKey(name)
	sub := Subscription{
		ID:          key,
		Name:        name,
		Topic:       topic,
		StartOffset: start,
		CreatedAt:   c.now().UTC(),
	}
	err = c.subscriptions.Insert(ctx, key, sub, nil)
	switch {
	case err == nil:
		c.logger.Info("created subscription",
			zap.String("subscription", name),
			zap.String("topic", topic),
			zap.Uint64("start_offset", start),
		)
		return nil
	case errors.Is(err, gocb.ErrDocumentExists):
		return nil
	default:
		return fmt.Errorf("failed to create subscription %s: %w", name, err)
	}
}

// PutSchema stores definition as the newest revision of name.
func (c *Controller) PutSchema(name, definition string) (string, error) {
	key := SchemaKey(name)
	now := c.now().UTC()

	schema, err := couchbase.Mutate(c.transactions, c.schemas, key,
		func() Schema {
			return Schema{ID: key, Name: name, Revision: 1, Definition: definition, UpdatedAt: now}
		},
		func(s *Schema) bool {
			if s.Definition == definition {
				return false
			}
			s.Revision++
			s.Definition = definition
			s.UpdatedAt = now
			return true
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to store schema %s: %w", name, err)
	}

	return strconv.Itoa(schema.Revision), nil
}

func (c *Controller) TopicSchemaSettings(ctx context.Context, name string) (pubsub.SchemaSettings, error) {
	topic, err := c.topics.Get(ctx, TopicKey(name))
	switch {
	case err == nil:
		return pubsub.SchemaSettings{SchemaRef: topic.SchemaRef, Encoding: topic.Encoding}, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return pubsub.SchemaSettings{}, fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, name)
	default:
		return pubsub.SchemaSettings{}, err
	}
}

// Schema returns the latest definition of ref. A ref of the form
// name@revision must match the stored revision.
func (c *Controller) Schema(ctx context.Context, ref string) (string, string, error) {
	name, want, pinned := strings.Cut(ref, "@")

	schema, err := c.schemas.Get(ctx, SchemaKey(name))
	if err != nil {
		return "", "", fmt.Errorf("failed to load schema %s: %w", name, err)
	}

	revision := strconv.Itoa(schema.Revision)
	if pinned && want != revision {
		return "", "", fmt.Errorf("schema %s has revision %s, not %s", name, revision, want)
	}

	return schema.Definition, revision, nil
}

// Send appends msg to the topic's log. The write is confirmed before Send
// returns, so the result is always resolved.
func (c *Controller) Send(ctx context.Context, topic string, msg pubsub.Message) *pubsub.PublishResult {
	if err := ctx.Err(); err != nil {
		return pubsub.Resolved("", err)
	}

	ok, err := c.topics.Exists(ctx, TopicKey(topic))
	if err != nil {
		return pubsub.Resolved("", err)
	}
	if !ok {
		return pubsub.Resolved("", fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, topic))
	}

	offset, err := c.reserveOffset(topic)
	if err != nil {
		return pubsub.Resolved("", err)
	}

	key := MessageKey(topic, offset)
	doc := Message{
		ID:          key,
		Topic:       topic,
		Offset:      offset,
		Data:        msg.Data,
		OrderingKey: msg.OrderingKey,
		Attributes:  msg.Attributes,
		PublishTime: c.now().UTC(),
	}
	if err := c.messages.Insert(ctx, key, doc, &gocb.InsertOptions{Expiry: c.retention}); err != nil {
		return pubsub.Resolved("", err)
	}

	return pubsub.Resolved(key, nil)
}

// Pull leases up to max messages at or past the subscription's cursor
// that are neither acknowledged nor leased by another delivery.
func (c *Controller) Pull(ctx context.Context, name string, max int) ([]pubsub.Envelope, error) {
	if max <= 0 {
		return nil, nil
	}

	sub, err := c.subscription(ctx, name)
	if err != nil {
		return nil, err
	}

	from, err := c.cursor(ctx, sub)
	if err != nil {
		return nil, err
	}

	msgs, err := c.loadMessages(ctx, sub.Topic, from, max*scanFactor)
	if err != nil {
		return nil, err
	}

	envelopes := make([]pubsub.Envelope, 0, max)
	for _, msg := range msgs {
		if len(envelopes) == max {
			break
		}

		acked, err := c.receipts.Exists(ctx, ReceiptKey(name, msg.ID))
		if err != nil {
			return envelopes, err
		}
		if acked {
			continue
		}

		lease, err := c.acquireLease(ctx, name, msg)
		if err != nil {
			return envelopes, err
		}
		if lease == nil {
			continue
		}

		envelopes = append(envelopes, pubsub.Envelope{
			MessageID:       msg.ID,
			AckID:           msg.ID + ackIDSeparator + lease.Token,
			Data:            msg.Data,
			OrderingKey:     msg.OrderingKey,
			Attributes:      maps.Clone(msg.Attributes),
			PublishTime:     msg.PublishTime,
			DeliveryAttempt: lease.Attempt,
		})
	}

	return envelopes, nil
}

// Acknowledge records a receipt for every handle whose lease is still
// current, releases the lease and moves the cursor over the acknowledged
// prefix. Stale and unknown handles are ignored.
func (c *Controller) Acknowledge(ctx context.Context, name string, ackIDs []string) error {
	sub, err := c.subscription(ctx, name)
	if err != nil {
		return err
	}

	var (
		errs  []error
		acked int
	)
	for _, ackID := range ackIDs {
		ok, err := c.acknowledge(ctx, name, ackID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			acked++
		}
	}

	if acked > 0 {
		if err := c.advanceCursor(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Controller) acknowledge(ctx context.Context, sub, ackID string) (bool, error) {
	i := strings.LastIndex(ackID, ackIDSeparator)
	if i < 0 {
		c.logger.Debug("ignoring malformed ack id", zap.String("ack_id", ackID))
		return false, nil
	}
	msgID, token := ackID[:i], ackID[i+1:]

	key := LeaseKey(sub, msgID)
	lease, err := c.leases.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return false, nil
	default:
		return false, err
	}
	if lease.Token != token || !c.now().Before(lease.Expires) {
		c.logger.Debug("ignoring stale ack id", zap.String("subscription", sub), zap.String("message_id", msgID))
		return false, nil
	}

	receipt := Receipt{
		ID:        ReceiptKey(sub, msgID),
		Sub:       sub,
		MessageID: msgID,
		Offset:    lease.Offset,
		AckedAt:   c.now().UTC(),
	}
	err = c.receipts.Insert(ctx, receipt.ID, receipt, &gocb.InsertOptions{Expiry: c.retention})
	if err != nil && !errors.Is(err, gocb.ErrDocumentExists) {
		return false, err
	}

	if err := c.leases.Remove(ctx, key, lease.GetCas()); err != nil && !errors.Is(err, gocb.ErrCasMismatch) {
		return true, err
	}

	return true, nil
}

// acquireLease leases msg to sub. It returns nil when another delivery
// holds a live lease.
func (c *Controller) acquireLease(ctx context.Context, sub string, msg Message) (*Lease, error) {
	key := LeaseKey(sub, msg.ID)
	now := c.now().UTC()
	lease := Lease{
		ID:        key,
		Sub:       sub,
		MessageID: msg.ID,
		Offset:    msg.Offset,
		Token:     uuid.NewString(),
		Attempt:   1,
		Expires:   now.Add(c.ackDeadline),
	}

	err := c.leases.Insert(ctx, key, lease, &gocb.InsertOptions{Expiry: c.retention})
	switch {
	case err == nil:
		return &lease, nil
	case errors.Is(err, gocb.ErrDocumentExists):
	default:
		return nil, err
	}

	existing, err := c.leases.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, gocb.ErrDocumentNotFound):
		// acknowledged between the insert and the read
		return nil, nil
	default:
		return nil, err
	}
	if now.Before(existing.Expires) {
		return nil, nil
	}

	lease.Attempt = existing.Attempt + 1
	lease.Cas = existing.Cas
	err = c.leases.Replace(ctx, key, &lease, &gocb.ReplaceOptions{Expiry: c.retention})
	switch {
	case err == nil:
		return &lease, nil
	case errors.Is(err, gocb.ErrCasMismatch), errors.Is(err, gocb.ErrDocumentNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// advanceCursor moves the cursor of sub past every contiguously
// acknowledged offset.
func (c *Controller) advanceCursor(ctx context.Context, sub *Subscription) error {
	from, err := c.cursor(ctx, sub)
	if err != nil {
		return err
	}

	next := from
	for range maxCursorAdvance {
		ok, err := c.receipts.Exists(ctx, ReceiptKey(sub.Name, MessageKey(sub.Topic, next)))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		next++
	}
	if next == from {
		return nil
	}

	return c.commitCursor(sub, next)
}

func (c *Controller) commitCursor(sub *Subscription, offset uint64) error {
	key := CursorKey(sub.Topic, sub.Name)

	_, err := couchbase.Mutate(c.transactions, c.cursors, key,
		func() Cursor {
			return Cursor{ID: key, Topic: sub.Topic, Sub: sub.Name, Offset: offset}
		},
		func(cur *Cursor) bool {
			if offset <= cur.Offset {
				return false
			}
			cur.Offset = offset
			return true
		},
	)
	if err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}

	return nil
}

func (c *Controller) cursor(ctx context.Context, sub *Subscription) (uint64, error) {
	cur, err := c.cursors.Get(ctx, CursorKey(sub.Topic, sub.Name))
	switch {
	case err == nil:
		return max(cur.Offset, sub.StartOffset), nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return sub.StartOffset, nil
	default:
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
}

// reserveOffset claims the next offset of topic.
func (c *Controller) reserveOffset(topic string) (uint64, error) {
	key := OffsetKey(topic)

	offset, err := couchbase.Mutate(c.transactions, c.offsets, key,
		func() Offset {
			return Offset{ID: key, N: 1}
		},
		func(o *Offset) bool {
			o.N++
			return true
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve offset for topic %s: %w", topic, err)
	}

	return offset.N - 1, nil
}

func (c *Controller) nextOffset(ctx context.Context, topic string) (uint64, error) {
	offset, err := c.offsets.Get(ctx, OffsetKey(topic))
	switch {
	case err == nil:
		return offset.N, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get offset: %w", err)
	}
}

func (c *Controller) subscription(ctx context.Context, name string) (*Subscription, error) {
	sub, err := c.subscriptions.Get(ctx, SubscriptionKey(name))
	switch {
	case err == nil:
		return sub, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return nil, fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, name)
	default:
		return nil, err
	}
}

// loadMessages returns up to limit messages of topic from offset on, in
// offset order.
func (c *Controller) loadMessages(ctx context.Context, topic string, from uint64, limit int) ([]Message, error) {
	query := fmt.Sprintf(
		"SELECT RAW m FROM `%s`.`%s`.`%s` m WHERE m.topic = $topic AND m.`offset` >= $from ORDER BY m.`offset` ASC LIMIT $limit",
		c.bucket.Name(),
		c.scope,
		c.messages.Collection().Name(),
	)

	messages, err := c.messages.Query(ctx, query, &gocb.QueryOptions{
		NamedParameters: map[string]any{
			"topic": topic,
			"from":  from,
			"limit": limit,
		},
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
		Readonly:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	return messages, nil
}
