package pubsub

import (
	"fmt"

	"github.com/hamba/avro/v2"
)

// SchemaRef names a schema revision in a registry.
type SchemaRef struct {
	Name     string
	Revision string
}

func (r SchemaRef) String() string {
	if r.Revision == "" {
		return r.Name
	}
	return r.Name + "@" + r.Revision
}

// Schema is a parsed Avro record schema.
type Schema struct {
	Ref        SchemaRef
	Definition string

	record *avro.RecordSchema
}

// ParseSchema parses an Avro definition. Only record schemas are accepted.
func ParseSchema(ref SchemaRef, definition string) (*Schema, error) {
	parsed, err := avro.Parse(definition)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", ref, err)
	}

	rec, ok := parsed.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("schema %s is of type %s, want record", ref, parsed.Type())
	}

	return &Schema{Ref: ref, Definition: definition, record: rec}, nil
}

// Avro returns the parsed schema for use with avro.Marshal/Unmarshal.
func (s *Schema) Avro() avro.Schema {
	return s.record
}

// Fields returns the record fields in declaration order.
func (s *Schema) Fields() []*avro.Field {
	return s.record.Fields()
}

// TopicBinding is a topic's resolved wire contract. It is resolved once per
// publisher session and never changes afterwards.
type TopicBinding struct {
	Topic    string
	Schema   *Schema
	Encoding Encoding
}

// SchemaSettings is the raw schema configuration a broker reports for a
// topic. An empty SchemaRef means the topic has no schema bound.
type SchemaSettings struct {
	SchemaRef string
	Encoding  string
}
