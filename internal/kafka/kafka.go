// Package kafka implements pubsub.Broker on Apache Kafka with
// segmentio/kafka-go. Each subscription is a consumer group; ack handles
// are partition:offset pairs committed in order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/validator"
)

// HeaderMessageID carries the publisher assigned message id.
const HeaderMessageID = "message-id"

var _ pubsub.Broker = (*Broker)(nil)

type Config struct {
	Brokers        []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	MaxWait        time.Duration `env:"KAFKA_MAX_WAIT" envDefault:"500ms"`
	PollWait       time.Duration `env:"KAFKA_POLL_WAIT" envDefault:"2s"`
	BatchTimeout   time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	WriteTimeout   time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
	MaxAttempts    int           `env:"KAFKA_MAX_ATTEMPTS" envDefault:"3"`
	Partitions     int           `env:"KAFKA_PARTITIONS" envDefault:"3"`
	Replication    int           `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1"`
	// MaxUncommitted caps the messages a subscription holds per partition
	// while an earlier offset is unacknowledged. Pull stops fetching once a
	// partition reaches it.
	MaxUncommitted int           `env:"KAFKA_MAX_UNCOMMITTED" envDefault:"1000"`
}

type subscription struct {
	topic   string
	reader  *kafka.Reader
	tracker *offsetTracker
}

// Broker publishes through one shared writer and reads each subscription
// through its own consumer group reader.
type Broker struct {
	cfg    Config
	writer *kafka.Writer
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	if err := validator.Validate("kafka", cfg.Brokers, logger); err != nil {
		return nil, err
	}

	logger = logger.Named("kafka")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		ErrorLogger:  errorLogger(logger),
	}

	return &Broker{
		cfg:    cfg,
		writer: writer,
		logger: logger,
		subs:   make(map[string]*subscription),
	}, nil
}

func errorLogger(logger *zap.Logger) kafka.LoggerFunc {
	return func(msg string, args ...any) {
		logger.Error("kafka client error", zap.String("error", fmt.Sprintf(msg, args...)))
	}
}

// CreateTopic creates topic with the configured partition count. An
// existing topic is left as is.
func (b *Broker) CreateTopic(ctx context.Context, topic string) error {
	client := &kafka.Client{Addr: kafka.TCP(b.cfg.Brokers...)}

	res, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     b.cfg.Partitions,
			ReplicationFactor: b.cfg.Replication,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	if err := res.Errors[topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}

	return nil
}

// Subscribe binds subscription sub to topic. sub is used as the consumer
// group id, so every process subscribing under the same name shares the
// topic's partitions.
func (b *Broker) Subscribe(sub, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		return
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		GroupID:        sub,
		Topic:          topic,
		MaxWait:        b.cfg.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
		ErrorLogger:    errorLogger(b.logger),
	})
	b.subs[sub] = &subscription{
		topic:   topic,
		reader:  reader,
		tracker: newOffsetTracker(b.cfg.MaxUncommitted),
	}

	b.logger.Info("subscribed", zap.String("subscription", sub), zap.String("topic", topic))
}

// Send writes msg in the background and resolves the result once the
// write is acknowledged by all in-sync replicas.
func (b *Broker) Send(ctx context.Context, topic string, msg pubsub.Message) *pubsub.PublishResult {
	id := uuid.NewString()
	km := kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.OrderingKey),
		Value:   msg.Data,
		Headers: headers(id, msg.Attributes),
	}

	res := pubsub.NewPublishResult()
	go func() {
		err := b.writer.WriteMessages(ctx, km)
		switch {
		case err == nil:
			res.Resolve(id, nil)
		case errors.Is(err, kafka.UnknownTopicOrPartition):
			res.Resolve("", fmt.Errorf("%w: %s", pubsub.ErrTopicNotFound, topic))
		default:
			res.Resolve("", err)
		}
	}()

	return res
}

// Pull fetches up to max messages. It waits at most PollWait for the first
// message and MaxWait for each following one. A subscription whose
// uncommitted window is full returns nothing until the blocking offset is
// acknowledged.
func (b *Broker) Pull(ctx context.Context, name string, max int) ([]pubsub.Envelope, error) {
	sub, err := b.subscription(name)
	if err != nil {
		return nil, err
	}

	var envelopes []pubsub.Envelope
	wait := b.cfg.PollWait
	for len(envelopes) < max {
		if partition, head, stalled := sub.tracker.stalled(); stalled {
			b.logger.Warn("uncommitted window full, not fetching",
				zap.String("subscription", name),
				zap.Int("partition", partition),
				zap.Int64("head_offset", head),
				zap.Int("max_uncommitted", b.cfg.MaxUncommitted),
			)
			break
		}
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := sub.reader.FetchMessage(fetchCtx)
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

		sub.tracker.deliver(msg)
		envelopes = append(envelopes, envelope(msg))
		wait = b.cfg.MaxWait
	}

	return envelopes, nil
}

// Acknowledge commits, per partition, the offset after the longest
// acknowledged prefix. Handles the reader no longer tracks are ignored.
func (b *Broker) Acknowledge(ctx context.Context, name string, ackIDs []string) error {
	sub, err := b.subscription(name)
	if err != nil {
		return err
	}

	commits := make(map[int]kafka.Message)
	for _, ackID := range ackIDs {
		partition, offset, ok := parseAckID(ackID)
		if !ok {
			b.logger.Debug("ignoring malformed ack id", zap.String("ack_id", ackID))
			continue
		}
		if msg, ok := sub.tracker.ack(partition, offset); ok {
			commits[partition] = msg
		}
	}
	if len(commits) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(commits))
	for _, msg := range commits {
		msgs = append(msgs, msg)
	}
	if err := sub.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to commit offsets of %s: %w", name, err)
	}

	return nil
}

// Close flushes the writer and leaves every consumer group.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	errs := []error{b.writer.Close()}
	for _, sub := range b.subs {
		errs = append(errs, sub.reader.Close())
	}

	return errors.Join(errs...)
}

func (b *Broker) subscription(name string) (*subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pubsub.ErrSubscriptionNotFound, name)
	}
	return sub, nil
}

func headers(id string, attributes map[string]string) []kafka.Header {
	hs := make([]kafka.Header, 0, len(attributes)+1)
	hs = append(hs, kafka.Header{Key: HeaderMessageID, Value: []byte(id)})
	for k, v := range attributes {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return hs
}

func envelope(msg kafka.Message) pubsub.Envelope {
	env := pubsub.Envelope{
		MessageID:       fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		AckID:           ackID(msg.Partition, msg.Offset),
		Data:            msg.Value,
		OrderingKey:     string(msg.Key),
		Attributes:      make(map[string]string, len(msg.Headers)),
		PublishTime:     msg.Time,
		DeliveryAttempt: 1,
	}
	for _, h := range msg.Headers {
		if h.Key == HeaderMessageID {
			env.MessageID = string(h.Value)
			continue
		}
		env.Attributes[h.Key] = string(h.Value)
	}
	return env
}

func ackID(partition int, offset int64) string {
	return strconv.Itoa(partition) + ":" + strconv.FormatInt(offset, 10)
}

func parseAckID(id string) (int, int64, bool) {
	p, o, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, false
	}
	partition, err := strconv.Atoi(p)
	if err != nil {
		return 0, 0, false
	}
	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return partition, offset, true
}
