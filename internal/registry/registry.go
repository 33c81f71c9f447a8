// Package registry adapts a Confluent compatible schema registry to the
// pubsub schema interfaces.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/riferrei/srclient"
	"go.uber.org/zap"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/validator"
)

var (
	_ pubsub.SchemaRegistry = (*Registry)(nil)
	_ pubsub.MetadataLookup = (*Registry)(nil)
)

type Config struct {
	URL      string `env:"SCHEMA_REGISTRY_URL" envDefault:"http://localhost:8081"`
	Username string `env:"SCHEMA_REGISTRY_USERNAME"`
	Password string `env:"SCHEMA_REGISTRY_PASSWORD"`
}

// Client is the part of srclient the registry uses.
type Client interface {
	GetLatestSchema(subject string) (*srclient.Schema, error)
	GetSchemaByVersion(subject string, version int) (*srclient.Schema, error)
	CreateSchema(subject string, schema string, schemaType srclient.SchemaType, references ...srclient.Reference) (*srclient.Schema, error)
}

// Registry serves schemas by subject. As a MetadataLookup it binds topic
// T to the latest schema of subject "T-value", the registry's default
// naming strategy.
type Registry struct {
	client Client
	logger *zap.Logger
}

// New connects to the registry at config.URL with response caching on.
func New(config Config, logger *zap.Logger) (*Registry, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("schema registry url is required")
	}

	client := srclient.CreateSchemaRegistryClient(config.URL)
	client.CachingEnabled(true)
	if config.Username != "" {
		client.SetCredentials(config.Username, config.Password)
	}

	return NewWithClient(client, logger)
}

func NewWithClient(client Client, logger *zap.Logger) (*Registry, error) {
	if err := validator.Validate("registry", client, logger); err != nil {
		return nil, err
	}

	return &Registry{
		client: client,
		logger: logger.Named("registry"),
	}, nil
}

// ValueSubject is the subject holding the value schema of topic.
func ValueSubject(topic string) string {
	return topic + "-value"
}

// Schema returns the definition for ref, either "subject" for the latest
// version or "subject@version".
func (r *Registry) Schema(_ context.Context, ref string) (string, string, error) {
	subject, version, pinned := strings.Cut(ref, "@")

	var (
		schema *srclient.Schema
		err    error
	)
	if pinned {
		v, convErr := strconv.Atoi(version)
		if convErr != nil {
			return "", "", fmt.Errorf("invalid schema version in %q: %w", ref, convErr)
		}
		schema, err = r.client.GetSchemaByVersion(subject, v)
	} else {
		schema, err = r.client.GetLatestSchema(subject)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch schema %s: %w", ref, err)
	}

	return schema.Schema(), strconv.Itoa(schema.Version()), nil
}

// TopicSchemaSettings reports the value subject of topic with BINARY
// encoding for Avro schemas and JSON for JSON schemas. Topics without a
// registered subject have no schema.
func (r *Registry) TopicSchemaSettings(_ context.Context, topic string) (pubsub.SchemaSettings, error) {
	subject := ValueSubject(topic)

	schema, err := r.client.GetLatestSchema(subject)
	if err != nil {
		if isNotFound(err) {
			return pubsub.SchemaSettings{}, nil
		}
		return pubsub.SchemaSettings{}, fmt.Errorf("failed to fetch subject %s: %w", subject, err)
	}

	return pubsub.SchemaSettings{
		SchemaRef: subject,
		Encoding:  encodingOf(schema),
	}, nil
}

// Register stores an Avro definition under the value subject of topic and
// returns its version.
func (r *Registry) Register(topic, definition string) (int, error) {
	subject := ValueSubject(topic)

	schema, err := r.client.CreateSchema(subject, definition, srclient.Avro)
	if err != nil {
		return 0, fmt.Errorf("failed to register schema for %s: %w", subject, err)
	}

	r.logger.Info("registered schema",
		zap.String("subject", subject),
		zap.Int("version", schema.Version()),
		zap.Int("id", schema.ID()),
	)

	return schema.Version(), nil
}

func encodingOf(schema *srclient.Schema) string {
	t := schema.SchemaType()
	if t == nil {
		return pubsub.EncodingBinary.String()
	}

	switch *t {
	case srclient.Avro:
		return pubsub.EncodingBinary.String()
	case srclient.Json:
		return pubsub.EncodingJSON.String()
	default:
		return string(*t)
	}
}

// isNotFound matches the registry's "subject not found" answers, which
// srclient surfaces as plain errors.
func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "40401")
}
