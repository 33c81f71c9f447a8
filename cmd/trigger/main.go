package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"eventpipe/internal/app"
	"eventpipe/internal/enrich"
	"eventpipe/internal/mock"
	"eventpipe/internal/record"
	"eventpipe/internal/trigger"
)

// Config holds the HTTP settings of the trigger.
type Config struct {
	Port    int    `env:"PORT" envDefault:"8080"`
	GinMode string `env:"GIN_MODE" envDefault:"release"`
	// GenerateBookings serves POST /bookings/generate, publishing movie
	// bookings to TOPIC_ID.
	GenerateBookings bool `env:"GENERATE_BOOKINGS" envDefault:"false"`
}

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	a, err := app.New(ctx, "trigger")
	if err != nil {
		log.Fatalf("failed to start trigger: %v", err)
	}
	defer a.Close()

	if err := run(ctx, a, cfg); err != nil {
		a.Logger.Error("trigger failed", zap.Error(err))
		a.Close()
		log.Fatal(err)
	}
}

func run(ctx context.Context, a *app.App, cfg Config) error {
	gin.SetMode(cfg.GinMode)

	var opts []trigger.Option
	if cfg.GenerateBookings {
		if kind, _ := a.Config.Pipeline.Kind(); kind != record.KindBooking {
			return fmt.Errorf("GENERATE_BOOKINGS needs RECORD_KIND=booking, got %s", kind)
		}
		if err := a.Provision(ctx); err != nil {
			return err
		}
		producer, err := a.Producer(ctx, a.Config.Pipeline.TopicID)
		if err != nil {
			return err
		}
		opts = append(opts, trigger.WithBookings(producer, mock.New().MovieBatch))
	}

	t, err := trigger.New(enrich.New(), a.Metrics, a.Logger, opts...)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           t.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("serving trigger", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.SetReady(true)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
