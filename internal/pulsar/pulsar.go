// Package pulsar implements pubsub.Broker on Apache Pulsar. Subscriptions
// are shared subscriptions; messages not acknowledged within the ack
// deadline are negatively acknowledged and redelivered by the broker.
package pulsar

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/validator"
)

// batchWait bounds the wait for each message after the first of a pull.
const batchWait = 50 * time.Millisecond

var _ pubsub.Broker = (*Broker)(nil)

type Config struct {
	URL              string        `env:"PULSAR_URL" envDefault:"pulsar://localhost:6650"`
	AdminURL         string        `env:"PULSAR_ADMIN_URL" envDefault:"http://localhost:8080"`
	Tenant           string        `env:"PULSAR_TENANT" envDefault:"public"`
	Namespace        string        `env:"PULSAR_NAMESPACE" envDefault:"default"`
	OperationTimeout time.Duration `env:"PULSAR_OPERATION_TIMEOUT" envDefault:"30s"`
	ReceiveWait      time.Duration `env:"PULSAR_RECEIVE_WAIT" envDefault:"2s"`
	AckDeadline      time.Duration `env:"PULSAR_ACK_DEADLINE" envDefault:"1m"`
	NackDelay        time.Duration `env:"PULSAR_NACK_DELAY" envDefault:"1s"`
}

// Topic returns the fully qualified persistent name of topic, unless it
// is qualified already.
func (c Config) Topic(topic string) string {
	if strings.Contains(topic, "://") {
		return topic
	}
	return fmt.Sprintf("persistent://%s/%s/%s", c.Tenant, c.Namespace, topic)
}

type delivery struct {
	id       pulsar.MessageID
	deadline time.Time
}

type subscription struct {
	consumer pulsar.Consumer

	mu       sync.Mutex
	inflight map[string]delivery
}

type Broker struct {
	cfg    Config
	client pulsar.Client
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	producers map[string]pulsar.Producer
	subs      map[string]*subscription
}

func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	if err := validator.Validate("pulsar", cfg.URL, logger); err != nil {
		return nil, err
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:              cfg.URL,
		OperationTimeout: cfg.OperationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pulsar client: %w", err)
	}

	return &Broker{
		cfg:       cfg,
		client:    client,
		logger:    logger.Named("pulsar"),
		now:       time.Now,
		producers: make(map[string]pulsar.Producer),
		subs:      make(map[string]*subscription),
	}, nil
}

// Subscribe opens a shared subscription sub on topic, starting at the
// earliest retained message when the subscription is new.
func (b *Broker) Subscribe(sub, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		return nil
	}

	consumer, err := b.client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       b.cfg.Topic(topic),
		SubscriptionName:            sub,
		Type:                        pulsar.Shared,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
		NackRedeliveryDelay:         b.cfg.NackDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s to %s: %w", sub, topic, err)
	}

	b.subs[sub] = &subscription{
		consumer: consumer,
		inflight: make(map[string]delivery),
	}
	b.logger.Info("subscribed", zap.String("subscription", sub), zap.String("topic", topic))

	return nil
}

func (b *Broker) Send(ctx context.Context, topic string, msg pubsub.Message) *pubsub.PublishResult {
	producer, err := b.producer(topic)
	if err != nil {
		return pubsub.Resolved("", err)
	}

	res := pubsub.NewPublishResult()
	producer.SendAsync(ctx, &pulsar.ProducerMessage{
		Payload:    msg.Data,
		Key:        msg.OrderingKey,
		Properties: msg.Attributes,
	}, func(id pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
		if err != nil {
			res.Resolve("", sendError(topic, err))
			return
		}
		res.Resolve(id.String(), nil)
	})

	return res
}

// Pull receives up to max messages. Before receiving it negatively
// acknowledges deliveries whose ack deadline passed, so the broker
// redelivers them.
func (b *Broker) Pull(ctx context.Context, name string, max int) ([]pubsub.Envelope, error) {
	sub, err := b.subscription(name)
	if err != nil {
		return nil, err
	}

	b.expire(sub)

	var envelopes []pubsub.Envelope
	wait := b.cfg.ReceiveWait
	for len(envelopes) < max {
		recvCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := sub.consumer.Receive(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil && len(envelopes) == 0 {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return envelopes, err
		}

		ackID := base64.RawURLEncoding.EncodeToString(msg.ID().Serialize())
		sub.mu.Lock()
		sub.inflight[ackID] = delivery{id: msg.ID(), deadline: b.now().Add(b.cfg.AckDeadline)}
		sub.mu.Unlock()

		envelopes = append(envelopes, pubsub.Envelope{
			MessageID:       msg.ID().String(),
			AckID:           ackID,
			Data:            msg.Payload(),
			OrderingKey:     msg.Key(),
			Attributes:      maps.Clone(msg.Properties()),
			PublishTime:     msg.PublishTime(),
			DeliveryAttempt: int(msg.RedeliveryCount()) + 1,
		})
		wait = batchWait
	}

	return envelopes, nil
}

// Acknowledge acks every handle still in flight. Expired and unknown
// handles are ignored.
func (b *Broker) Acknowledge(_ context.Context, name string, ackIDs []string) error {
	sub, err := b.subscription(name)
	if err != nil {
		return err
	}

	now := b.now()
	var errs []error
	for _, ackID := range ackIDs {
		sub.mu.Lock()
		d, ok := sub.inflight[ackID]
		if ok {
			delete(sub.inflight, ackID)
		}
		sub.mu.Unlock()

		if !ok || !now.Before(d.deadline) {
			continue
		}
		if err := sub.consumer.AckID(d.id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.producers {
		p.Close()
	}
	for _, s := range b.subs {
		s.consumer.Close()
	}
	b.client.Close()
}

func (b *Broker) expire(sub *subscription) {
	now := b.now()

	sub.mu.Lock()
	defer sub.mu.Unlock()

	for ackID, d := range sub.inflight {
		if now.Before(d.deadline) {
			continue
		}
		delete(sub.inflight, ackID)
		sub.consumer.NackID(d.id)
	}
}

func (b *Broker) producer(topic string) (pulsar.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.producers[topic]; ok {
		return p, nil
	}

	p, err := b.client.CreateProducer(pulsar.ProducerOptions{Topic: b.cfg.Topic(topic)})
	if err != nil {
		return nil, sendError(topic, err)
	}
	b.producers[topic] = p

	return p, nil
}

func (b *Broker) subscription(name string) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, name)
	}
	return sub, nil
}

func sendError(topic string, err error) error {
	var perr *pulsar.Error
	if errors.As(err, &perr) && perr.Result() == pulsar.TopicNotFound {
		return fmt.Errorf("%w: %s: %w", pubsub.ErrTopicNotFound, topic, err)
	}
	return fmt.Errorf("failed to send to %s: %w", topic, err)
}
