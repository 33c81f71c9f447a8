package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventpipe/internal/app"
	"eventpipe/internal/backend"
	"eventpipe/internal/mock"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/consumer"
	"eventpipe/internal/pubsub/publisher"
	"eventpipe/internal/record"
)

type Config struct {
	Subscriptions []string `env:"E2E_SUBSCRIPTIONS" envDefault:"orders-audit,orders-billing,orders-analytics,orders-alerts"`
	EventCount    int      `env:"EVENT_COUNT" envDefault:"100"`
	PublishRounds int      `env:"PUBLISH_ROUNDS" envDefault:"1"`
	MaxEmptyCount int      `env:"CONSUMER_MAX_EMPTY_COUNT" envDefault:"3"`
	Encoding      string   `env:"E2E_ENCODING" envDefault:"BINARY"`
	Profile       bool     `env:"E2E_PROFILE" envDefault:"false"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	if cfg.Profile {
		stop := profile()
		defer stop()
	}

	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "e2e")
	if err != nil {
		log.Fatalf("failed to start e2e: %v", err)
	}
	defer a.Close()

	if err := run(ctx, a, cfg); err != nil {
		a.Logger.Error("e2e failed", zap.Error(err))
	}
}

func run(ctx context.Context, a *app.App, cfg Config) error {
	switch a.Backend.Driver {
	case backend.DriverMemory, backend.DriverCouchbase:
	default:
		return fmt.Errorf("e2e runs on the memory or couchbase broker, got %s", a.Backend.Driver)
	}

	kind, err := a.Config.Pipeline.Kind()
	if err != nil {
		return err
	}
	encoding, err := pubsub.ParseEncoding(cfg.Encoding)
	if err != nil {
		return err
	}

	topic := a.Config.Pipeline.TopicID
	for _, sub := range cfg.Subscriptions {
		p := backend.Provision{Topic: topic, Subscription: sub, Encoding: encoding}
		if encoding != pubsub.EncodingNone {
			p.SchemaName = topic + "-schema"
			p.Schema = mock.Schema(kind)
		}
		if err := a.Backend.Provision(ctx, p); err != nil {
			return err
		}
	}

	producer, err := a.Producer(ctx, topic)
	if err != nil {
		return err
	}

	counts := make(map[string]*atomic.Int64, len(cfg.Subscriptions))
	consumers := make(map[string]pubsub.Consumer, len(cfg.Subscriptions))
	for _, sub := range cfg.Subscriptions {
		n := &atomic.Int64{}
		counts[sub] = n
		consumers[sub], err = a.Consumer(ctx, topic, sub, counter(n))
		if err != nil {
			return err
		}
	}
	a.SetReady(true)

	now := time.Now()
	gen := mock.New()
	opts := a.RunOptions()
	opts.MaxEmptyPulls = cfg.MaxEmptyCount

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for round := range cfg.PublishRounds {
			report := publisher.Run(gctx, producer, gen.Records(kind, cfg.EventCount), 0, a.Logger)
			a.Logger.Info("published round",
				zap.Int("round", round+1),
				zap.Int("published", report.Published),
				zap.Int("dropped", report.Dropped),
				zap.Int("failed", report.Failed),
			)
		}
		a.Logger.Info("publish rounds complete, stopping producer")
		return nil
	})

	time.Sleep(10 * time.Millisecond)
	for sub, c := range consumers {
		g.Go(func() error {
			return consumer.Run(gctx, c, a.Logger.With(zap.String("subscription", sub)), opts)
		})
	}

	if err := app.IgnoreCanceled(g.Wait()); err != nil {
		return err
	}

	want := int64(cfg.EventCount * cfg.PublishRounds)
	for sub, n := range counts {
		a.Logger.Info("subscription drained",
			zap.String("subscription", sub),
			zap.Int64("processed", n.Load()),
			zap.Int64("published", want),
		)
	}

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds\n", time.Since(now).Seconds())
	return nil
}

func counter(n *atomic.Int64) consumer.Handler {
	return consumer.HandlerFunc(func(context.Context, pubsub.Envelope, *record.Enriched) error {
		n.Add(1)
		return nil
	})
}

// profile writes cpu.pprof for the run and mem.pprof when the returned
// func is called.
func profile() func() {
	cpuProfile, err := os.Create("cpu.pprof")
	if err != nil {
		log.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		log.Fatal("could not start CPU profile: ", err)
	}

	return func() {
		pprof.StopCPUProfile()
		cpuProfile.Close()

		memProfile, err := os.Create("mem.pprof")
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer memProfile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfile); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}
