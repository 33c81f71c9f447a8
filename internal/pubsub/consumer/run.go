package consumer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
)

// RunOptions tune the pull loop.
type RunOptions struct {
	// IdleBackoffMax caps the wait after empty pulls and pull errors.
	IdleBackoffMax time.Duration
	// MaxEmptyPulls stops the loop after that many consecutive empty
	// pulls. Zero runs until ctx is cancelled.
	MaxEmptyPulls int
}

// Run pulls cycles until ctx is cancelled or MaxEmptyPulls is reached.
// Cancellation is observed between cycles, so an in-flight ack always
// completes. Pull errors are logged and retried after a backoff.
func Run(ctx context.Context, consumer pubsub.Consumer, logger *zap.Logger, opts RunOptions) error {
	logger = logger.With(zap.String("sub", consumer.Subscription()))

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 100 * time.Millisecond
	idle.MaxInterval = 5 * time.Second
	if opts.IdleBackoffMax > 0 {
		idle.MaxInterval = opts.IdleBackoffMax
		idle.InitialInterval = min(idle.InitialInterval, opts.IdleBackoffMax)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	wait := func(d time.Duration) bool {
		timer.Reset(d)
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}

	var empty int
	for {
		if ctx.Err() != nil {
			logger.Info("consumer stopped")
			return nil
		}

		batch, err := consumer.Pull(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			logger.Error("pull cycle failed", zap.Error(err))
			if !wait(idle.NextBackOff()) {
				continue
			}

		case batch.Pulled == 0:
			empty++
			if opts.MaxEmptyPulls > 0 && empty >= opts.MaxEmptyPulls {
				logger.Info("empty pulls reached max empty count, stopping consumer", zap.Int("empty", empty))
				return nil
			}
			wait(idle.NextBackOff())

		default:
			empty = 0
			idle.Reset()
			logger.Info("processed batch",
				zap.Int("pulled", batch.Pulled),
				zap.Int("acked", batch.Acked),
				zap.Any("skipped", batch.Skipped),
			)
		}
	}
}
