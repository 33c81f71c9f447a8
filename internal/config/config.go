// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"eventpipe/internal/couchbase"
	"eventpipe/internal/kafka"
	"eventpipe/internal/pubsub/metrics"
	"eventpipe/internal/pubsub/tracing"
	"eventpipe/internal/pulsar"
	"eventpipe/internal/record"
	"eventpipe/internal/registry"
)

// Pipeline configures producers and consumers.
type Pipeline struct {
	ProjectID          string        `env:"PROJECT_ID" envDefault:"eventpipe"`
	TopicID            string        `env:"TOPIC_ID" envDefault:"orders"`
	SubscriptionID     string        `env:"SUBSCRIPTION_ID" envDefault:"orders-sub"`
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"10"`
	PublishPacingDelay time.Duration `env:"PUBLISH_PACING_DELAY" envDefault:"2s"`
	PublishRetries     uint          `env:"PUBLISH_RETRIES" envDefault:"0"`
	RecordKind         string        `env:"RECORD_KIND" envDefault:"order"`
	RecordCount        int           `env:"RECORD_COUNT" envDefault:"0"`
	RequireSchema      bool          `env:"REQUIRE_SCHEMA" envDefault:"false"`
	ProcessConcurrency int           `env:"PROCESS_CONCURRENCY" envDefault:"1"`
	ConsumerWorkers    int           `env:"CONSUMER_WORKERS" envDefault:"1"`
	AckTimeout         time.Duration `env:"ACK_TIMEOUT" envDefault:"10s"`
	IdleBackoffMax     time.Duration `env:"IDLE_BACKOFF_MAX" envDefault:"5s"`
	MaxEmptyPulls      int           `env:"MAX_EMPTY_PULLS" envDefault:"0"`
}

// Kind parses RecordKind.
func (p Pipeline) Kind() (record.Kind, error) {
	return record.ParseKind(p.RecordKind)
}

// Broker selects the transport.
type Broker struct {
	Driver      string        `env:"BROKER_DRIVER" envDefault:"memory"`
	AckDeadline time.Duration `env:"ACK_DEADLINE" envDefault:"1m"`
	Provision   bool          `env:"BROKER_PROVISION" envDefault:"false"`
	Encoding    string        `env:"TOPIC_ENCODING" envDefault:""`
}

type Log struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Config is the full environment of an eventpipe command.
type Config struct {
	Pipeline  Pipeline
	Broker    Broker
	Log       Log
	Couchbase couchbase.Config
	Kafka     kafka.Config
	Pulsar    pulsar.Config
	Registry  registry.Config
	Metrics   metrics.ServerConfig
	Tracing   tracing.Config
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if cfg.Pipeline.BatchSize <= 0 {
		return Config{}, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.Pipeline.BatchSize)
	}
	if _, err := cfg.Pipeline.Kind(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// NewLogger builds a production zap logger at the configured level. An
// unknown level falls back to info.
func (l Log) NewLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(l.Level)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", l.Level, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}
