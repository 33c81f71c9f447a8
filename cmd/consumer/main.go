package main

import (
	"context"
	"log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventpipe/internal/app"
	"eventpipe/internal/pubsub/consumer"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "consumer")
	if err != nil {
		log.Fatalf("failed to start consumer: %v", err)
	}
	defer a.Close()

	if err := run(ctx, a); err != nil {
		a.Logger.Error("consumer failed", zap.Error(err))
		a.Close()
		log.Fatal(err)
	}
}

func run(ctx context.Context, a *app.App) error {
	cfg := a.Config.Pipeline

	if err := a.Provision(ctx); err != nil {
		return err
	}

	c, err := a.Consumer(ctx, cfg.TopicID, cfg.SubscriptionID, consumer.LogHandler(a.Logger))
	if err != nil {
		return err
	}
	a.SetReady(true)

	a.Logger.Info("listening for messages",
		zap.String("subscription", cfg.SubscriptionID),
		zap.Int("workers", max(cfg.ConsumerWorkers, 1)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for range max(cfg.ConsumerWorkers, 1) {
		g.Go(func() error {
			return consumer.Run(gctx, c, a.Logger, a.RunOptions())
		})
	}

	return app.IgnoreCanceled(g.Wait())
}
