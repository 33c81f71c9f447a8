// Package codec turns records into wire payloads and back, following the
// encoding bound to a topic.
package codec

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/hamba/avro/v2"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/record"
)

type Codec struct {
	kind record.Kind
}

type Option func(*Codec)

// WithKind forces the record variant used when decoding instead of
// detecting it from the identity key.
func WithKind(kind record.Kind) Option {
	return func(c *Codec) {
		c.kind = kind
	}
}

func New(opts ...Option) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode serialises rec under binding. BINARY produces Avro binary in the
// schema's field order. JSON and NONE produce a JSON object; in JSON mode a
// bound schema is checked first.
func (c *Codec) Encode(rec record.Record, binding pubsub.TopicBinding) ([]byte, error) {
	switch binding.Encoding {
	case pubsub.EncodingBinary:
		if binding.Schema == nil {
			return nil, fmt.Errorf("%w: topic %s has no schema", pubsub.ErrSchemaUnavailable, binding.Topic)
		}
		native, err := toNative(rec, binding.Schema)
		if err != nil {
			return nil, err
		}
		data, err := avro.Marshal(binding.Schema.Avro(), native)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pubsub.ErrSchemaMismatch, err)
		}
		return data, nil

	case pubsub.EncodingJSON, pubsub.EncodingNone:
		if binding.Schema != nil {
			if _, err := toNative(rec, binding.Schema); err != nil {
				return nil, err
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record %s: %w", rec.ID(), err)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("%w: %q", pubsub.ErrUnsupportedEncoding, binding.Encoding)
	}
}

// Decode parses a schema-less JSON payload.
func (c *Codec) Decode(data []byte) (record.Record, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", pubsub.ErrMalformedPayload)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %w", pubsub.ErrMalformedPayload, err)
	}
	if keys == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", pubsub.ErrMalformedPayload)
	}

	rec, err := record.New(c.kindOf(keys))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", pubsub.ErrMalformedPayload, err)
	}

	return rec, nil
}

// DecodeBinary parses an Avro binary payload written against schema.
// Values come back in the schema's types, not the types they were encoded
// from: text written into a numeric field decodes as a number, and float
// fields carry float32 precision.
func (c *Codec) DecodeBinary(data []byte, schema *pubsub.Schema) (record.Record, error) {
	var native map[string]any
	if err := avro.Unmarshal(schema.Avro(), data, &native); err != nil {
		return nil, fmt.Errorf("%w: %w", pubsub.ErrMalformedPayload, err)
	}

	keys := make(map[string]json.RawMessage, len(native))
	for k := range native {
		keys[k] = nil
	}
	rec, err := record.New(c.kindOf(keys))
	if err != nil {
		return nil, err
	}
	for name, v := range native {
		rec.SetField(name, fromNative(v))
	}

	return rec, nil
}

// DecodeEnvelope picks the decode path from the envelope's encoding
// attribute, falling back to the topic's bound encoding when the producer
// set none. BINARY payloads need the bound schema; others are decoded as
// JSON.
func (c *Codec) DecodeEnvelope(env pubsub.Envelope, binding pubsub.TopicBinding) (record.Record, error) {
	encoding := binding.Encoding
	if attr, ok := env.Attributes[pubsub.AttrEncoding]; ok && attr != "" {
		parsed, err := pubsub.ParseEncoding(attr)
		if err != nil {
			return nil, err
		}
		encoding = parsed
	}

	if encoding == pubsub.EncodingBinary {
		if binding.Schema == nil {
			return nil, fmt.Errorf("%w: no schema to decode binary payload from %s", pubsub.ErrSchemaUnavailable, binding.Topic)
		}
		return c.DecodeBinary(env.Data, binding.Schema)
	}
	return c.Decode(env.Data)
}

func (c *Codec) kindOf(keys map[string]json.RawMessage) record.Kind {
	if c.kind != "" {
		return c.kind
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	if kind, ok := record.Detect(names); ok {
		return kind
	}
	return record.KindOrder
}
