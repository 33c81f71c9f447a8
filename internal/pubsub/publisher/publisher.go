package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/codec"
	"eventpipe/internal/record"
	"eventpipe/internal/validator"
)

// Resolver binds a topic to its schema and encoding.
type Resolver interface {
	Resolve(ctx context.Context, topic string) (pubsub.TopicBinding, error)
}

type Publisher struct {
	sender  pubsub.Sender
	codec   *codec.Codec
	binding pubsub.TopicBinding
	logger  *zap.Logger

	retries    uint
	newBackOff func() backoff.BackOff
}

type Option func(*Publisher)

// WithRetry retries broker failures up to n times with exponential
// backoff. Encode failures are never retried.
func WithRetry(n uint) Option {
	return func(p *Publisher) {
		p.retries = n
	}
}

// WithBackOff replaces the retry backoff policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(p *Publisher) {
		p.newBackOff = newBackOff
	}
}

// New resolves topic once and returns a publisher bound to it. Resolution
// failures end the session before anything is sent.
func New(ctx context.Context, resolver Resolver, sender pubsub.Sender, topic string, logger *zap.Logger, opts ...Option) (*Publisher, error) {
	if err := validator.Validate("publisher", resolver, sender, topic, logger); err != nil {
		return nil, err
	}

	binding, err := resolver.Resolve(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to bind topic %s: %w", topic, err)
	}

	p := &Publisher{
		sender:  sender,
		codec:   codec.New(),
		binding: binding,
		logger:  logger.Named("publisher").With(zap.String("topic", topic), zap.Stringer("encoding", binding.Encoding)),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

func (p *Publisher) Binding() pubsub.TopicBinding {
	return p.binding
}

// Submit encodes rec and hands it to the broker without waiting for the
// confirmation.
func (p *Publisher) Submit(ctx context.Context, rec record.Record) (*pubsub.PublishResult, error) {
	msg, err := p.message(ctx, rec)
	if err != nil {
		return nil, err
	}
	return p.sender.Send(ctx, p.binding.Topic, msg), nil
}

// Publish encodes rec, sends it and blocks until the broker confirms it.
func (p *Publisher) Publish(ctx context.Context, rec record.Record) (string, error) {
	msg, err := p.message(ctx, rec)
	if err != nil {
		return "", err
	}

	send := func() (string, error) {
		id, err := p.sender.Send(ctx, p.binding.Topic, msg).Get(ctx)
		switch {
		case err == nil:
			return id, nil
		case ctx.Err() != nil, errors.Is(err, pubsub.ErrTopicNotFound):
			return "", backoff.Permanent(err)
		default:
			return "", fmt.Errorf("%w: %w", pubsub.ErrBrokerUnavailable, err)
		}
	}

	id, err := backoff.Retry(ctx, send,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("publish failed, retrying", zap.String("record_id", rec.ID()), zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to publish record %s: %w", rec.ID(), err)
	}

	return id, nil
}

func (p *Publisher) message(ctx context.Context, rec record.Record) (pubsub.Message, error) {
	data, err := p.codec.Encode(rec, p.binding)
	if err != nil {
		return pubsub.Message{}, fmt.Errorf("%w: record %s: %w", pubsub.ErrEncodeFailed, rec.ID(), err)
	}

	attrs := map[string]string{pubsub.AttrEncoding: p.binding.Encoding.String()}
	if p.binding.Schema != nil {
		attrs[pubsub.AttrSchema] = p.binding.Schema.Ref.String()
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	return pubsub.Message{Data: data, OrderingKey: rec.ID(), Attributes: attrs}, nil
}
