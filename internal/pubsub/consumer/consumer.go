package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/codec"
	"eventpipe/internal/record"
	"eventpipe/internal/validator"
)

const (
	defaultBatchSize  = 10
	defaultAckTimeout = 10 * time.Second
)

// Decoder turns a delivered envelope into a record.
type Decoder interface {
	Decode(env pubsub.Envelope) (record.Record, error)
}

type DecoderFunc func(env pubsub.Envelope) (record.Record, error)

func (f DecoderFunc) Decode(env pubsub.Envelope) (record.Record, error) {
	return f(env)
}

// EnvelopeDecoder decodes envelopes delivered from the topic in binding.
// Envelopes without an encoding attribute use the topic's encoding.
func EnvelopeDecoder(c *codec.Codec, binding pubsub.TopicBinding) Decoder {
	return DecoderFunc(func(env pubsub.Envelope) (record.Record, error) {
		return c.DecodeEnvelope(env, binding)
	})
}

type Enricher interface {
	Enrich(rec record.Record) (*record.Enriched, error)
}

// Handler receives every enriched record before its envelope is
// acknowledged. A returned error leaves the envelope for redelivery.
type Handler interface {
	Handle(ctx context.Context, env pubsub.Envelope, rec *record.Enriched) error
}

type HandlerFunc func(ctx context.Context, env pubsub.Envelope, rec *record.Enriched) error

func (f HandlerFunc) Handle(ctx context.Context, env pubsub.Envelope, rec *record.Enriched) error {
	return f(ctx, env, rec)
}

type Consumer struct {
	receiver     pubsub.Receiver
	decoder      Decoder
	enricher     Enricher
	handler      Handler
	logger       *zap.Logger
	subscription string

	batchSize   int
	concurrency int
	ackTimeout  time.Duration
}

type Option func(*Consumer)

func WithBatchSize(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithConcurrency processes up to n envelopes of a batch at once.
func WithConcurrency(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithAckTimeout bounds the acknowledge call, which runs detached from
// the caller's cancellation.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

func NewConsumer(receiver pubsub.Receiver, decoder Decoder, enricher Enricher, handler Handler, logger *zap.Logger, subscription string, opts ...Option) (*Consumer, error) {
	if err := validator.Validate("consumer", receiver, decoder, enricher, handler, logger, subscription); err != nil {
		return nil, fmt.Errorf("failed to validate consumer deps: %w", err)
	}

	c := &Consumer{
		receiver:     receiver,
		decoder:      decoder,
		enricher:     enricher,
		handler:      handler,
		logger:       logger.Named("consumer").With(zap.String("sub", subscription)),
		subscription: subscription,
		batchSize:    defaultBatchSize,
		concurrency:  1,
		ackTimeout:   defaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Consumer) Subscription() string {
	return c.subscription
}

// Pull runs one cycle. Envelopes that fail to decode, validate or be
// handled are skipped and left for redelivery; the rest are acknowledged
// in a single call.
func (c *Consumer) Pull(ctx context.Context) (pubsub.Batch, error) {
	envs, err := c.receiver.Pull(ctx, c.subscription, c.batchSize)
	if err != nil {
		return pubsub.Batch{}, fmt.Errorf("failed to pull messages: %w", err)
	}

	batch := pubsub.Batch{Pulled: len(envs), Skipped: make(map[string]int)}
	if len(envs) == 0 {
		return batch, nil
	}
	c.logger.Debug("pulled messages", zap.Int("count", len(envs)))

	var mu sync.Mutex
	ok := make([]bool, len(envs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, env := range envs {
		g.Go(func() error {
			reason, err := c.process(gctx, env)
			if err != nil {
				c.logger.Warn("skipping message",
					zap.String("messageId", env.MessageID),
					zap.Int("attempt", env.DeliveryAttempt),
					zap.String("reason", reason),
					zap.Error(err),
				)
				mu.Lock()
				batch.Skipped[reason]++
				mu.Unlock()
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	ackIDs := make([]string, 0, len(envs))
	for i, env := range envs {
		if ok[i] {
			ackIDs = append(ackIDs, env.AckID)
		}
	}
	if len(ackIDs) == 0 {
		return batch, nil
	}

	// The ack must complete even when ctx is cancelled mid-batch.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ackTimeout)
	defer cancel()

	if err := c.receiver.Acknowledge(ackCtx, c.subscription, ackIDs); err != nil {
		c.logger.Error("failed to acknowledge messages", zap.Int("count", len(ackIDs)), zap.Error(err))
		batch.AckErr = err
		return batch, nil
	}
	batch.Acked = len(ackIDs)
	c.logger.Debug("acknowledged messages", zap.Int("count", len(ackIDs)))

	return batch, nil
}

func (c *Consumer) process(ctx context.Context, env pubsub.Envelope) (string, error) {
	rec, err := c.decoder.Decode(env)
	if err != nil {
		return pubsub.SkipMalformed, err
	}

	enriched, err := c.enricher.Enrich(rec)
	if err != nil {
		if errors.Is(err, pubsub.ErrValidationFailed) {
			return pubsub.SkipValidation, err
		}
		return pubsub.SkipHandler, err
	}
	if enriched.TotalAmount == nil {
		c.logger.Debug("total amount not computable", zap.String("messageId", env.MessageID), zap.String("record_id", rec.ID()))
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Attributes))
	if err := c.handler.Handle(ctx, env, enriched); err != nil {
		return pubsub.SkipHandler, err
	}

	return "", nil
}
