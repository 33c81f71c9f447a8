package consumer

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/record"
)

// LogHandler writes every enriched record to logger.
func LogHandler(logger *zap.Logger) Handler {
	return HandlerFunc(func(_ context.Context, env pubsub.Envelope, rec *record.Enriched) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		logger.Info("processed record",
			zap.String("messageId", env.MessageID),
			zap.String("record_id", rec.Record.ID()),
			zap.ByteString("record", data),
		)
		return nil
	})
}
