// Package backend opens the transport selected by configuration and the
// schema sources that go with it.
package backend

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"eventpipe/internal/config"
	"eventpipe/internal/couchbase"
	"eventpipe/internal/kafka"
	"eventpipe/internal/memory"
	"eventpipe/internal/pubsub"
	"eventpipe/internal/pubsub/broker"
	"eventpipe/internal/pubsub/controller"
	"eventpipe/internal/pubsub/metrics"
	"eventpipe/internal/pubsub/tracing"
	"eventpipe/internal/pulsar"
	"eventpipe/internal/registry"
)

const (
	DriverMemory    = "memory"
	DriverCouchbase = "couchbase"
	DriverKafka     = "kafka"
	DriverPulsar    = "pulsar"
)

var ErrUnknownDriver = errors.New("unknown broker driver")

// Provision describes a topic, its schema binding and one subscription
// to create before publishing or consuming.
type Provision struct {
	Topic        string
	Subscription string
	SchemaName   string
	Schema       string
	Encoding     pubsub.Encoding
}

// Backend is an opened transport. Broker is instrumented; Lookup and
// Registry feed a resolver.
type Backend struct {
	Driver   string
	Broker   pubsub.Broker
	Lookup   pubsub.MetadataLookup
	Registry pubsub.SchemaRegistry

	provision func(ctx context.Context, p Provision) error
	subscribe func(sub, topic string) error
	close     func() error
}

// Open connects to the configured driver.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, reg *metrics.Registry, tracer *tracing.Tracer) (*Backend, error) {
	var (
		b   *Backend
		raw pubsub.Broker
		err error
	)

	switch cfg.Broker.Driver {
	case DriverMemory:
		b, raw = openMemory(cfg)
	case DriverCouchbase:
		b, raw, err = openCouchbase(ctx, cfg, logger)
	case DriverKafka:
		b, raw, err = openKafka(cfg, logger)
	case DriverPulsar:
		b, raw, err = openPulsar(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Broker.Driver)
	}
	if err != nil {
		return nil, err
	}

	b.Driver = cfg.Broker.Driver
	b.Broker = broker.NewTracedBroker(broker.NewMetricsBroker(raw, reg), tracer, cfg.Broker.Driver)

	logger.Info("opened broker", zap.String("driver", b.Driver))
	return b, nil
}

// Provision creates the topic, schema and subscription described by p.
// Existing resources are kept.
func (b *Backend) Provision(ctx context.Context, p Provision) error {
	if b.provision == nil {
		return nil
	}
	return b.provision(ctx, p)
}

// Subscribe attaches this process to sub on topic. Drivers with a server
// side subscription record need nothing more than Provision.
func (b *Backend) Subscribe(sub, topic string) error {
	if b.subscribe == nil {
		return nil
	}
	return b.subscribe(sub, topic)
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openMemory(cfg config.Config) (*Backend, pubsub.Broker) {
	var opts []memory.Option
	if cfg.Broker.AckDeadline > 0 {
		opts = append(opts, memory.WithAckDeadline(cfg.Broker.AckDeadline))
	}
	m := memory.NewBroker(opts...)

	return &Backend{
		Lookup:   m,
		Registry: m,
		provision: func(_ context.Context, p Provision) error {
			settings := pubsub.SchemaSettings{Encoding: encodingSetting(p)}
			if p.Schema != "" {
				m.PutSchema(p.SchemaName, p.Schema)
				settings.SchemaRef = p.SchemaName
			}
			m.CreateTopic(p.Topic, settings)
			if p.Subscription == "" {
				return nil
			}
			return m.CreateSubscription(p.Subscription, p.Topic)
		},
	}, m
}

func openCouchbase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, pubsub.Broker, error) {
	cluster, bucket, err := couchbase.Connect(cfg.Couchbase)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Couchbase: %w", err)
	}

	var opts []controller.Option
	if cfg.Broker.AckDeadline > 0 {
		opts = append(opts, controller.WithAckDeadline(cfg.Broker.AckDeadline))
	}
	ctrl, err := controller.New(cluster, bucket, cfg.Couchbase.ScopeName, logger, opts...)
	if err != nil {
		_ = cluster.Close(nil)
		return nil, nil, err
	}

	return &Backend{
		Lookup:   ctrl,
		Registry: ctrl,
		provision: func(ctx context.Context, p Provision) error {
			if err := ctrl.Setup(ctx); err != nil {
				return err
			}
			settings := pubsub.SchemaSettings{Encoding: encodingSetting(p)}
			if p.Schema != "" {
				if _, err := ctrl.PutSchema(p.SchemaName, p.Schema); err != nil {
					return err
				}
				settings.SchemaRef = p.SchemaName
			}
			if err := ctrl.CreateTopic(ctx, p.Topic, settings); err != nil {
				return err
			}
			if p.Subscription == "" {
				return nil
			}
			return ctrl.CreateSubscription(ctx, p.Subscription, p.Topic)
		},
		close: func() error {
			return cluster.Close(nil)
		},
	}, ctrl, nil
}

func openKafka(cfg config.Config, logger *zap.Logger) (*Backend, pubsub.Broker, error) {
	k, err := kafka.New(cfg.Kafka, logger)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.New(cfg.Registry, logger)
	if err != nil {
		_ = k.Close()
		return nil, nil, err
	}

	return &Backend{
		Lookup:   reg,
		Registry: reg,
		provision: func(ctx context.Context, p Provision) error {
			if err := k.CreateTopic(ctx, p.Topic); err != nil {
				return err
			}
			// The registry marks Avro subjects as BINARY; JSON topics stay
			// schema-less on Kafka.
			if p.Schema != "" && p.Encoding == pubsub.EncodingBinary {
				if _, err := reg.Register(p.Topic, p.Schema); err != nil {
					return err
				}
			}
			return nil
		},
		subscribe: func(sub, topic string) error {
			k.Subscribe(sub, topic)
			return nil
		},
		close: k.Close,
	}, k, nil
}

func openPulsar(cfg config.Config, logger *zap.Logger) (*Backend, pubsub.Broker, error) {
	admin, err := pulsar.NewAdmin(cfg.Pulsar)
	if err != nil {
		return nil, nil, err
	}
	schemaAdmin, ok := admin.Schemas().(pulsar.SchemaAdmin)
	if !ok {
		return nil, nil, fmt.Errorf("pulsar admin schemas client %T does not support context calls", admin.Schemas())
	}
	schemas, err := pulsar.NewSchemas(cfg.Pulsar, schemaAdmin, logger)
	if err != nil {
		return nil, nil, err
	}
	p, err := pulsar.New(cfg.Pulsar, logger)
	if err != nil {
		return nil, nil, err
	}

	return &Backend{
		Lookup:   schemas,
		Registry: schemas,
		provision: func(ctx context.Context, prov Provision) error {
			if err := pulsar.EnsureTopic(ctx, admin, cfg.Pulsar, prov.Topic, 0); err != nil {
				return err
			}
			if prov.Schema != "" && prov.Encoding == pubsub.EncodingBinary {
				return schemas.PutSchema(ctx, prov.Topic, prov.Schema)
			}
			return nil
		},
		subscribe: p.Subscribe,
		close: func() error {
			p.Close()
			return nil
		},
	}, p, nil
}

// encodingSetting is the stored encoding for p. Schemas default to
// BINARY, the encoding the generated schemas are written for.
func encodingSetting(p Provision) string {
	switch {
	case p.Encoding != "" && p.Encoding != pubsub.EncodingNone:
		return p.Encoding.String()
	case p.Schema != "":
		return pubsub.EncodingBinary.String()
	default:
		return ""
	}
}
