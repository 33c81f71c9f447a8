package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"eventpipe/internal/app"
	"eventpipe/internal/mock"
	"eventpipe/internal/pubsub/publisher"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "producer")
	if err != nil {
		log.Fatalf("failed to start producer: %v", err)
	}
	defer a.Close()

	if err := run(ctx, a); err != nil {
		a.Logger.Error("producer failed", zap.Error(err))
		a.Close()
		log.Fatal(err)
	}
}

func run(ctx context.Context, a *app.App) error {
	cfg := a.Config.Pipeline

	if err := a.Provision(ctx); err != nil {
		return err
	}

	producer, err := a.Producer(ctx, cfg.TopicID)
	if err != nil {
		return err
	}
	a.SetReady(true)

	kind, err := cfg.Kind()
	if err != nil {
		return err
	}

	report := publisher.Run(ctx, producer, mock.New().Records(kind, cfg.RecordCount), cfg.PublishPacingDelay, a.Logger)
	a.Logger.Info("publish run finished",
		zap.String("project", cfg.ProjectID),
		zap.Int("published", report.Published),
		zap.Int("dropped", report.Dropped),
		zap.Int("failed", report.Failed),
	)

	return nil
}
