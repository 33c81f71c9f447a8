// Package trigger serves synchronous enrichment over HTTP: push
// deliveries, raw records and a scheduled booking publisher.
package trigger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"eventpipe/internal/enrich"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/codec"
	"eventpipe/internal/pubsub/metrics"
	"eventpipe/internal/record"
	"eventpipe/internal/validator"
)

// Batcher produces the records published by one scheduled run.
type Batcher func() []record.Record

type Trigger struct {
	codec    *codec.Codec
	enricher *enrich.Enricher
	registry *metrics.Registry
	logger   *zap.Logger

	producer pubsub.Producer
	batch    Batcher
}

type Option func(*Trigger)

// WithCodec replaces the default JSON decoder.
func WithCodec(c *codec.Codec) Option {
	return func(t *Trigger) {
		t.codec = c
	}
}

// WithBookings enables POST /bookings/generate, which publishes one batch
// through producer.
func WithBookings(producer pubsub.Producer, batch Batcher) Option {
	return func(t *Trigger) {
		t.producer = producer
		t.batch = batch
	}
}

func New(enricher *enrich.Enricher, registry *metrics.Registry, logger *zap.Logger, opts ...Option) (*Trigger, error) {
	if err := validator.Validate("trigger", enricher, registry, logger); err != nil {
		return nil, err
	}

	t := &Trigger{
		codec:    codec.New(),
		enricher: enricher,
		registry: registry,
		logger:   logger.Named("trigger"),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Process decodes and enriches one JSON record. It returns the enriched
// JSON with 200, or a diagnostic with 400.
func (t *Trigger) Process(body []byte) (string, int) {
	rec, err := t.codec.Decode(body)
	if err != nil {
		t.logger.Error("failed to parse record", zap.Error(err))
		t.registry.RecordTriggerRecord(pubsub.SkipMalformed)
		return fmt.Sprintf("Bad message format: %v", err), http.StatusBadRequest
	}

	enriched, err := t.enricher.Enrich(rec)
	if err != nil {
		var verr *enrich.ValidationError
		if errors.As(err, &verr) {
			t.logger.Error("missing required fields", zap.Strings("missing", verr.Missing))
			t.registry.RecordTriggerRecord(pubsub.SkipValidation)
			return fmt.Sprintf("Missing fields: %v", verr.Missing), http.StatusBadRequest
		}
		t.registry.RecordTriggerRecord(pubsub.SkipValidation)
		return err.Error(), http.StatusBadRequest
	}
	if enriched.TotalAmount == nil {
		t.logger.Debug("total_amount not computed", zap.String("record_id", rec.ID()))
	}

	data, err := json.Marshal(enriched)
	if err != nil {
		t.registry.RecordTriggerRecord(pubsub.SkipHandler)
		return err.Error(), http.StatusInternalServerError
	}

	t.logger.Info("enriched record", zap.String("record_id", rec.ID()), zap.ByteString("record", data))
	t.registry.RecordTriggerRecord("success")
	return string(data), http.StatusOK
}

// pushRequest is the body of a push delivery.
type pushRequest struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Router returns the trigger's routes.
func (t *Trigger) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), t.countRequests)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "eventpipe-trigger"})
	})
	r.POST("/records", t.handleRecord)
	r.POST("/pubsub/push", t.handlePush)
	if t.producer != nil {
		r.POST("/bookings/generate", t.handleGenerate)
	}

	return r
}

func (t *Trigger) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	t.registry.RecordTriggerRequest(route, strconv.Itoa(c.Writer.Status()))
}

func (t *Trigger) handleRecord(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "failed to read body: %v", err)
		return
	}
	t.respond(c, body)
}

func (t *Trigger) handlePush(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "Bad message format: %v", err)
		return
	}
	if req.Message.Data == "" {
		t.logger.Error("no data payload in push message", zap.String("messageId", req.Message.MessageID))
		c.String(http.StatusBadRequest, "No data")
		return
	}

	body, err := base64.StdEncoding.DecodeString(req.Message.Data)
	if err != nil {
		c.String(http.StatusBadRequest, "Bad message format: %v", err)
		return
	}
	t.respond(c, body)
}

func (t *Trigger) respond(c *gin.Context, body []byte) {
	out, status := t.Process(body)
	if status == http.StatusOK {
		c.Data(status, "application/json", []byte(out))
		return
	}
	c.String(status, out)
}

func (t *Trigger) handleGenerate(c *gin.Context) {
	ctx := c.Request.Context()
	records := t.batch()

	var published int
	for _, rec := range records {
		id, err := t.producer.Publish(ctx, rec)
		if err != nil {
			t.logger.Error("failed to publish booking", zap.String("record_id", rec.ID()), zap.Error(err))
			continue
		}
		published++
		t.logger.Info("published booking", zap.String("record_id", rec.ID()), zap.String("delivery_id", id))
	}

	if published == 0 && len(records) > 0 {
		c.String(http.StatusBadGateway, "Failed to publish movie bookings\n")
		return
	}
	c.String(http.StatusOK, "Published %d movie bookings\n", published)
}
