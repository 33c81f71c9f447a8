package publisher

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/record"
)

// Report counts the outcome of a publish run.
type Report struct {
	Published int
	// Dropped records could not be encoded for the topic.
	Dropped int
	// Failed records were rejected by the broker.
	Failed int
}

// Run publishes records one at a time in confirm mode, waiting pacing
// between publishes. Per-record failures are logged and skipped. Run
// returns when records is exhausted or ctx is cancelled.
func Run(ctx context.Context, producer pubsub.Producer, records iter.Seq[record.Record], pacing time.Duration, logger *zap.Logger) Report {
	var report Report
	logger = logger.With(zap.String("topic", producer.Binding().Topic))

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	first := true
	for rec := range records {
		if !first && pacing > 0 {
			timer.Reset(pacing)
			select {
			case <-ctx.Done():
				return report
			case <-timer.C:
			}
		}
		first = false

		if ctx.Err() != nil {
			return report
		}

		id, err := producer.Publish(ctx, rec)
		switch {
		case err == nil:
			report.Published++
			logger.Info("published record", zap.String("record_id", rec.ID()), zap.String("delivery_id", id))
		case errors.Is(err, pubsub.ErrEncodeFailed):
			report.Dropped++
			logger.Error("dropping record that cannot be encoded", zap.String("record_id", rec.ID()), zap.Error(err))
		case ctx.Err() != nil:
			return report
		default:
			report.Failed++
			logger.Error("failed to publish record", zap.String("record_id", rec.ID()), zap.Error(err))
		}
	}

	return report
}
