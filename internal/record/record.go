// Package record holds the domain records carried over the bus.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Kind identifies a record variant.
type Kind string

const (
	KindOrder   Kind = "order"
	KindBooking Kind = "booking"
)

// ParseKind maps a configured kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindOrder, KindBooking:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown record kind %q", s)
	}
}

// Record is a flat set of named scalar fields with a known variant.
type Record interface {
	Kind() Kind
	ID() string
	// Field returns the named field, or an absent Value for unknown names.
	Field(name string) Value
	// SetField reports false when the variant has no such field.
	SetField(name string, v Value) bool
	FieldNames() []string
	// Required lists the fields that must be present for enrichment.
	Required() []string
	// Normalized lists the status/category fields that are trimmed and
	// upper-cased during enrichment.
	Normalized() []string
	// Pricing returns the quantity and unit price used for total_amount.
	Pricing() (quantity, price Value)
	Clone() Record
}

// New returns an empty record of the given kind.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindOrder:
		return &Order{}, nil
	case KindBooking:
		return &Booking{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// Detect picks the variant from the identity key present in a decoded
// object. It returns false when neither identity key is present.
func Detect(keys []string) (Kind, bool) {
	switch {
	case slices.Contains(keys, "order_id"):
		return KindOrder, true
	case slices.Contains(keys, "booking_id"):
		return KindBooking, true
	default:
		return "", false
	}
}

type field struct {
	name  string
	value *Value
}

func lookup(fields []field, name string) *Value {
	for _, f := range fields {
		if f.name == name {
			return f.value
		}
	}
	return nil
}

func names(fields []field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}

// marshalFields writes the present fields in declaration order followed by
// the keys the variant does not model, sorted.
func marshalFields(fields []field, extra map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(name string, value []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}

	for _, f := range fields {
		if !f.value.Present() {
			continue
		}
		data, err := f.value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.name, err)
		}
		write(f.name, data)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		write(k, extra[k])
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// unmarshalFields decodes a JSON object into fields and returns the keys
// the variant does not model, verbatim.
func unmarshalFields(data []byte, fields []field) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var extra map[string]json.RawMessage
	for k, v := range raw {
		if p := lookup(fields, k); p != nil {
			if err := p.UnmarshalJSON(v); err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}

	return extra, nil
}
