package pulsar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/apache/pulsar-client-go/pulsaradmin"
	"github.com/apache/pulsar-client-go/pulsaradmin/pkg/rest"
	adminutils "github.com/apache/pulsar-client-go/pulsaradmin/pkg/utils"
	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/validator"
)

var (
	_ pubsub.MetadataLookup = (*Schemas)(nil)
	_ pubsub.SchemaRegistry = (*Schemas)(nil)
)

// SchemaAdmin is the part of the admin API's schema resource Schemas uses.
type SchemaAdmin interface {
	GetSchemaInfoWithContext(ctx context.Context, topic string) (*adminutils.SchemaInfo, error)
	CreateSchemaByPayloadWithContext(ctx context.Context, topic string, schemaPayload adminutils.PostSchemaPayload) error
}

// Schemas reads topic schemas through the Pulsar admin API. Pulsar binds
// one schema to each topic, so a topic's schema ref is the topic itself.
type Schemas struct {
	cfg    Config
	admin  SchemaAdmin
	logger *zap.Logger
}

func NewSchemas(cfg Config, admin SchemaAdmin, logger *zap.Logger) (*Schemas, error) {
	if err := validator.Validate("pulsar schemas", admin, logger); err != nil {
		return nil, err
	}

	return &Schemas{
		cfg:    cfg,
		admin:  admin,
		logger: logger.Named("pulsar_schemas"),
	}, nil
}

// NewAdmin connects to the admin endpoint in cfg.
func NewAdmin(cfg Config) (pulsaradmin.Client, error) {
	admin, err := pulsaradmin.NewClient(&pulsaradmin.Config{
		WebServiceURL: cfg.AdminURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pulsar admin client: %w", err)
	}
	return admin, nil
}

// EnsureTopic creates topic with the given partition count unless it
// exists.
func EnsureTopic(ctx context.Context, admin pulsaradmin.Client, cfg Config, topic string, partitions int) error {
	name, err := adminutils.GetTopicName(cfg.Topic(topic))
	if err != nil {
		return fmt.Errorf("failed to parse topic name %s: %w", topic, err)
	}

	if err := admin.Topics().CreateWithContext(ctx, *name, partitions); err != nil && !isStatus(err, http.StatusConflict) {
		return fmt.Errorf("failed to create topic %s: %w", name.String(), err)
	}

	return nil
}

// TopicSchemaSettings maps the topic's schema type to an encoding: AVRO
// is BINARY, JSON is JSON. Topics without a schema, or with a raw bytes
// schema, have no binding.
func (s *Schemas) TopicSchemaSettings(ctx context.Context, topic string) (pubsub.SchemaSettings, error) {
	info, err := s.admin.GetSchemaInfoWithContext(ctx, s.cfg.Topic(topic))
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return pubsub.SchemaSettings{}, nil
		}
		return pubsub.SchemaSettings{}, fmt.Errorf("failed to read schema of topic %s: %w", topic, err)
	}

	switch info.Type {
	case "", "NONE", "BYTES":
		return pubsub.SchemaSettings{}, nil
	case "AVRO":
		return pubsub.SchemaSettings{SchemaRef: topic, Encoding: pubsub.EncodingBinary.String()}, nil
	default:
		return pubsub.SchemaSettings{SchemaRef: topic, Encoding: info.Type}, nil
	}
}

// Schema returns the definition bound to the topic named by ref. The
// admin API does not expose a revision with it.
func (s *Schemas) Schema(ctx context.Context, ref string) (string, string, error) {
	info, err := s.admin.GetSchemaInfoWithContext(ctx, s.cfg.Topic(ref))
	if err != nil {
		return "", "", fmt.Errorf("failed to read schema of topic %s: %w", ref, err)
	}

	return string(info.Schema), "", nil
}

// PutSchema uploads an Avro definition for topic.
func (s *Schemas) PutSchema(ctx context.Context, topic, definition string) error {
	err := s.admin.CreateSchemaByPayloadWithContext(ctx, s.cfg.Topic(topic), adminutils.PostSchemaPayload{
		SchemaType: "AVRO",
		Schema:     definition,
	})
	if err != nil {
		return fmt.Errorf("failed to upload schema for topic %s: %w", topic, err)
	}

	s.logger.Info("uploaded schema", zap.String("topic", topic))
	return nil
}

func isStatus(err error, code int) bool {
	var adminErr rest.Error
	return errors.As(err, &adminErr) && adminErr.Code == code
}
