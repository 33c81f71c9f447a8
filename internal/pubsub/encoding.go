package pubsub

import (
	"fmt"
	"strings"
)

// Encoding is the wire encoding bound to a topic.
type Encoding string

const (
	EncodingNone   Encoding = "NONE"
	EncodingBinary Encoding = "BINARY"
	EncodingJSON   Encoding = "JSON"
)

// ParseEncoding maps a topic's configured encoding onto an Encoding. An
// empty or unspecified value means no encoding is bound.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE", "ENCODING_UNSPECIFIED":
		return EncodingNone, nil
	case "BINARY":
		return EncodingBinary, nil
	case "JSON":
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
	}
}

func (e Encoding) String() string {
	return string(e)
}
