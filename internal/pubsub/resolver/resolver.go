// Package resolver binds topics to their schema and wire encoding.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/validator"
)

type Resolver struct {
	lookup        pubsub.MetadataLookup
	registry      pubsub.SchemaRegistry
	logger        *zap.Logger
	requireSchema bool

	mu    sync.RWMutex
	cache map[string]pubsub.TopicBinding
	group singleflight.Group
}

type Option func(*Resolver)

// WithRequireSchema makes topics without a schema binding an error.
func WithRequireSchema() Option {
	return func(r *Resolver) {
		r.requireSchema = true
	}
}

func New(lookup pubsub.MetadataLookup, registry pubsub.SchemaRegistry, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	if err := validator.Validate("resolver", lookup, registry, logger); err != nil {
		return nil, err
	}

	r := &Resolver{
		lookup:   lookup,
		registry: registry,
		logger:   logger.Named("resolver"),
		cache:    make(map[string]pubsub.TopicBinding),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Resolve returns the topic's binding. Successful resolutions are cached
// for the lifetime of the resolver; failures are not.
func (r *Resolver) Resolve(ctx context.Context, topic string) (pubsub.TopicBinding, error) {
	r.mu.RLock()
	binding, ok := r.cache[topic]
	r.mu.RUnlock()
	if ok {
		return binding, nil
	}

	v, err, _ := r.group.Do(topic, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.cache[topic]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		binding, err := r.resolve(ctx, topic)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[topic] = binding
		r.mu.Unlock()

		return binding, nil
	})
	if err != nil {
		return pubsub.TopicBinding{}, err
	}

	return v.(pubsub.TopicBinding), nil
}

func (r *Resolver) resolve(ctx context.Context, topic string) (pubsub.TopicBinding, error) {
	settings, err := r.lookup.TopicSchemaSettings(ctx, topic)
	if err != nil {
		return pubsub.TopicBinding{}, fmt.Errorf("failed to read schema settings of topic %s: %w", topic, err)
	}

	encoding, err := pubsub.ParseEncoding(settings.Encoding)
	if err != nil {
		return pubsub.TopicBinding{}, fmt.Errorf("topic %s: %w", topic, err)
	}

	if settings.SchemaRef == "" {
		if encoding == pubsub.EncodingBinary || r.requireSchema {
			return pubsub.TopicBinding{}, fmt.Errorf("%w: topic %s has no schema bound", pubsub.ErrSchemaUnavailable, topic)
		}
		r.logger.Info("topic has no schema binding", zap.String("topic", topic))
		return pubsub.TopicBinding{Topic: topic, Encoding: pubsub.EncodingNone}, nil
	}

	// A schema without an explicit encoding is published as JSON.
	if encoding == pubsub.EncodingNone {
		encoding = pubsub.EncodingJSON
	}

	definition, revision, err := r.registry.Schema(ctx, settings.SchemaRef)
	if err != nil {
		return pubsub.TopicBinding{}, fmt.Errorf("%w: schema %s of topic %s: %w", pubsub.ErrSchemaUnavailable, settings.SchemaRef, topic, err)
	}

	schema, err := pubsub.ParseSchema(pubsub.SchemaRef{Name: settings.SchemaRef, Revision: revision}, definition)
	if err != nil {
		return pubsub.TopicBinding{}, fmt.Errorf("%w: %w", pubsub.ErrSchemaUnavailable, err)
	}

	r.logger.Info("resolved topic binding",
		zap.String("topic", topic),
		zap.String("schema", schema.Ref.String()),
		zap.Stringer("encoding", encoding),
	)

	return pubsub.TopicBinding{Topic: topic, Schema: schema, Encoding: encoding}, nil
}
