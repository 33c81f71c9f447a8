package pubsub

import "errors"

var (
	// ErrMalformedPayload is returned when a payload is not valid UTF-8 JSON
	// or cannot be mapped onto a record.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrValidationFailed is returned when a record lacks required fields.
	ErrValidationFailed = errors.New("validation failed")

	// ErrSchemaMismatch is returned when a record does not fit the bound schema.
	ErrSchemaMismatch = errors.New("record does not match schema")

	// ErrEncodeFailed is returned when a record cannot be encoded for its topic.
	ErrEncodeFailed = errors.New("encode failed")

	// ErrSchemaUnavailable is returned when a topic needs a schema that cannot
	// be resolved.
	ErrSchemaUnavailable = errors.New("schema unavailable")

	// ErrUnsupportedEncoding is returned for topic encodings other than
	// BINARY and JSON.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")

	// ErrBrokerUnavailable is returned when the broker rejects or fails a call.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	ErrTopicNotFound        = errors.New("topic not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
