package codec

import (
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/hamba/avro/v2"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/record"
)

// toNative maps rec onto the schema's fields, coercing each value to the
// Go type hamba/avro expects for the field type.
func toNative(rec record.Record, schema *pubsub.Schema) (map[string]any, error) {
	out := make(map[string]any, len(schema.Fields()))
	for _, f := range schema.Fields() {
		v := rec.Field(f.Name())
		if !v.Present() || v.IsNull() {
			switch {
			case nullable(f.Type()):
				out[f.Name()] = nil
			case f.HasDefault():
				// hamba/avro writes the default for missing map keys.
			default:
				return nil, fmt.Errorf("%w: missing required field %s", pubsub.ErrSchemaMismatch, f.Name())
			}
			continue
		}

		native, err := coerce(f.Type(), v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", pubsub.ErrSchemaMismatch, f.Name(), err)
		}
		out[f.Name()] = native
	}

	return out, nil
}

func nullable(s avro.Schema) bool {
	u, ok := s.(*avro.UnionSchema)
	return ok && u.Nullable()
}

func coerce(s avro.Schema, v record.Value) (any, error) {
	switch s.Type() {
	case avro.String:
		return v.String(), nil

	case avro.Boolean:
		b, err := strconv.ParseBool(v.String())
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", v.String())
		}
		return b, nil

	case avro.Int, avro.Long:
		f, ok := v.Float()
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("%q is not an integer", v.String())
		}
		if s.Type() == avro.Int {
			if f > math.MaxInt32 || f < math.MinInt32 {
				return nil, fmt.Errorf("%q overflows int", v.String())
			}
			return int(f), nil
		}
		return int64(f), nil

	case avro.Float:
		f, ok := v.Float()
		if !ok {
			return nil, fmt.Errorf("%q is not a number", v.String())
		}
		return float32(f), nil

	case avro.Double:
		f, ok := v.Float()
		if !ok {
			return nil, fmt.Errorf("%q is not a number", v.String())
		}
		return f, nil

	case avro.Enum:
		sym := v.String()
		if !slices.Contains(s.(*avro.EnumSchema).Symbols(), sym) {
			return nil, fmt.Errorf("%q is not an enum symbol", sym)
		}
		return sym, nil

	case avro.Union:
		// Enum members cannot be told apart from strings when encoding from
		// a map, so only primitive members are tried.
		for _, member := range s.(*avro.UnionSchema).Types() {
			if member.Type() == avro.Null || member.Type() == avro.Enum {
				continue
			}
			if native, err := coerce(member, v); err == nil {
				return native, nil
			}
		}
		return nil, fmt.Errorf("%q matches no union member", v.String())

	default:
		return nil, fmt.Errorf("unsupported field type %s", s.Type())
	}
}

// fromNative maps a value decoded by hamba/avro back onto a record Value.
func fromNative(v any) record.Value {
	switch n := v.(type) {
	case nil:
		return record.Value{}
	case string:
		return record.Text(n)
	case bool:
		return record.Text(strconv.FormatBool(n))
	case int:
		return record.Number(float64(n))
	case int32:
		return record.Number(float64(n))
	case int64:
		return record.Number(float64(n))
	case float32:
		return record.Number(float64(n))
	case float64:
		return record.Number(n)
	case map[string]any:
		// Unions resolved by name decode as a single-entry map.
		for _, inner := range n {
			return fromNative(inner)
		}
		return record.Value{}
	default:
		return record.Text(fmt.Sprint(n))
	}
}
