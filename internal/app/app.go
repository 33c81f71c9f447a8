// Package app assembles the runtime shared by the eventpipe commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"eventpipe/internal/backend"
	"eventpipe/internal/config"
	"eventpipe/internal/enrich"
	"eventpipe/internal/mock"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/codec"
	"eventpipe/internal/pubsub/consumer"
	"eventpipe/internal/pubsub/metrics"
	"eventpipe/internal/pubsub/publisher"
	"eventpipe/internal/pubsub/resolver"
	"eventpipe/internal/pubsub/tracing"
)

const version = "1.0.0"

// App owns the process-wide clients of one command.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Metrics *metrics.Registry
	Tracer  *tracing.Tracer
	Backend *backend.Backend

	server         *metrics.Server
	tracingCleanup func(context.Context) error
	resolver       *resolver.Resolver
}

// New loads the configuration and opens logging, metrics, tracing and
// the configured broker.
func New(ctx context.Context, component string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, component, cfg)
}

func NewWithConfig(ctx context.Context, component string, cfg config.Config) (*App, error) {
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("component", component))

	registry := metrics.NewRegistry()
	registry.SetSystemInfo(component, version)

	a := &App{
		Config:         cfg,
		Logger:         logger,
		Metrics:        registry,
		tracingCleanup: func(context.Context) error { return nil },
	}

	if cfg.Metrics.Enabled {
		a.server = metrics.NewServer(cfg.Metrics, registry, logger)
		go func() {
			if err := a.server.Start(context.WithoutCancel(ctx)); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics server started",
			zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
			zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port)),
		)
	}

	tracer, cleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.Tracer = tracer
	a.tracingCleanup = cleanup

	a.Backend, err = backend.Open(ctx, cfg, logger, registry, tracer)
	if err != nil {
		a.Close()
		return nil, err
	}

	var opts []resolver.Option
	if cfg.Pipeline.RequireSchema {
		opts = append(opts, resolver.WithRequireSchema())
	}
	a.resolver, err = resolver.New(a.Backend.Lookup, a.Backend.Registry, logger, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Provision creates the configured topic and subscription when the
// backend is in-process or BROKER_PROVISION is set. A schema for the
// configured record kind is bound when TOPIC_ENCODING names one.
func (a *App) Provision(ctx context.Context) error {
	if a.Backend.Driver != backend.DriverMemory && !a.Config.Broker.Provision {
		return nil
	}

	kind, err := a.Config.Pipeline.Kind()
	if err != nil {
		return err
	}
	encoding, err := pubsub.ParseEncoding(a.Config.Broker.Encoding)
	if err != nil {
		return err
	}

	p := backend.Provision{
		Topic:        a.Config.Pipeline.TopicID,
		Subscription: a.Config.Pipeline.SubscriptionID,
		Encoding:     encoding,
	}
	if encoding != pubsub.EncodingNone {
		p.SchemaName = a.Config.Pipeline.TopicID + "-schema"
		p.Schema = mock.Schema(kind)
	}

	if err := a.Backend.Provision(ctx, p); err != nil {
		return fmt.Errorf("failed to provision topic %s: %w", p.Topic, err)
	}
	a.Logger.Info("provisioned topic",
		zap.String("topic", p.Topic),
		zap.String("subscription", p.Subscription),
		zap.Stringer("encoding", encoding),
	)

	return nil
}

// Resolve returns the binding of topic.
func (a *App) Resolve(ctx context.Context, topic string) (pubsub.TopicBinding, error) {
	return a.resolver.Resolve(ctx, topic)
}

// Producer binds a publisher to topic and wraps it with metrics and
// tracing.
func (a *App) Producer(ctx context.Context, topic string) (pubsub.Producer, error) {
	base, err := publisher.New(ctx, a.resolver, a.Backend.Broker, topic, a.Logger,
		publisher.WithRetry(a.Config.Pipeline.PublishRetries),
	)
	if err != nil {
		return nil, err
	}

	return publisher.NewTracedPublisher(publisher.NewMetricsPublisher(base, a.Metrics), a.Tracer), nil
}

// Consumer builds an instrumented consumer for subscription on topic.
// BINARY payloads are decoded against the topic's bound schema.
func (a *App) Consumer(ctx context.Context, topic, subscription string, handler consumer.Handler) (pubsub.Consumer, error) {
	if err := a.Backend.Subscribe(subscription, topic); err != nil {
		return nil, fmt.Errorf("failed to subscribe %s to %s: %w", subscription, topic, err)
	}

	binding, err := a.resolver.Resolve(ctx, topic)
	if err != nil {
		return nil, err
	}
	kind, err := a.Config.Pipeline.Kind()
	if err != nil {
		return nil, err
	}

	base, err := consumer.NewConsumer(
		a.Backend.Broker,
		consumer.EnvelopeDecoder(codec.New(codec.WithKind(kind)), binding),
		enrich.New(),
		handler,
		a.Logger,
		subscription,
		consumer.WithBatchSize(a.Config.Pipeline.BatchSize),
		consumer.WithConcurrency(a.Config.Pipeline.ProcessConcurrency),
		consumer.WithAckTimeout(a.Config.Pipeline.AckTimeout),
	)
	if err != nil {
		return nil, err
	}

	return consumer.NewTracedConsumer(consumer.NewMetricsConsumer(base, a.Metrics), a.Tracer), nil
}

// RunOptions returns the consumer loop settings from the pipeline config.
func (a *App) RunOptions() consumer.RunOptions {
	return consumer.RunOptions{
		IdleBackoffMax: a.Config.Pipeline.IdleBackoffMax,
		MaxEmptyPulls:  a.Config.Pipeline.MaxEmptyPulls,
	}
}

// SetReady flips the metrics server's readiness endpoint.
func (a *App) SetReady(ready bool) {
	if a.server != nil {
		a.server.SetReady(ready)
	}
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.Backend != nil {
		if err := a.Backend.Close(); err != nil {
			a.Logger.Error("failed to close broker", zap.Error(err))
		}
	}
	if err := a.tracingCleanup(shutdownCtx); err != nil {
		a.Logger.Error("failed to cleanup tracing", zap.Error(err))
	}
	if a.server != nil {
		if err := a.server.Stop(shutdownCtx); err != nil {
			a.Logger.Error("failed to stop metrics server", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// IgnoreCanceled maps context cancellation to nil.
func IgnoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
