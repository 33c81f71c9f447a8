package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type valueKind uint8

const (
	absent valueKind = iota
	null
	text
	number
)

// Value is a single record field. Producers are loose about types, so a
// field may arrive as text ("3") or as a number (3). A key sent with a
// JSON null is present but null. The zero Value is an absent field.
type Value struct {
	text   string
	number float64
	kind   valueKind
}

// Text returns a textual Value.
func Text(s string) Value {
	return Value{text: s, kind: text}
}

// Number returns a numeric Value.
func Number(f float64) Value {
	return Value{number: f, kind: number}
}

// Null returns a present Value without content.
func Null() Value {
	return Value{kind: null}
}

// Present reports whether the field was set, including to null.
func (v Value) Present() bool {
	return v.kind != absent
}

// IsNull reports whether the field was set to null.
func (v Value) IsNull() bool {
	return v.kind == null
}

// IsText reports whether the field was set as text.
func (v Value) IsText() bool {
	return v.kind == text
}

// IsZero reports whether the field is absent. It lets `omitzero` drop
// absent fields when marshalling records.
func (v Value) IsZero() bool {
	return v.kind == absent
}

// IsNumber reports whether the field was set as a number.
func (v Value) IsNumber() bool {
	return v.kind == number
}

// String returns the textual form of the value, or "" when absent or null.
func (v Value) String() string {
	switch v.kind {
	case text:
		return v.text
	case number:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	default:
		return ""
	}
}

// Float returns the value as a float64. Text is parsed after trimming
// surrounding whitespace; NaN and infinities are rejected.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case number:
		return v.number, true
	case text:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Native returns the value as a plain Go value: string, float64 or nil.
func (v Value) Native() any {
	switch v.kind {
	case text:
		return v.text
	case number:
		return v.number
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case text:
		return json.Marshal(v.text)
	case number:
		return json.Marshal(v.number)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Strings and numbers are kept
// as they arrived, booleans become text and null is kept as null. Objects
// and arrays are rejected.
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		*v = Value{}
	case bytes.Equal(b, []byte("null")):
		*v = Null()
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Text(s)
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*v = Text(string(b))
	case b[0] == '{', b[0] == '[':
		return fmt.Errorf("unsupported field value %.32s", b)
	default:
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", b, err)
		}
		*v = Number(f)
	}

	return nil
}
