package message

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/postgraph/tagpipe/errors"
)

// ValidationKind distinguishes structurally broken payloads from payloads
// that parse but violate the event schema.
type ValidationKind int

const (
	// KindMalformed means the payload could not be parsed at all
	KindMalformed ValidationKind = iota
	// KindSchemaViolation means a required field is missing or invalid
	KindSchemaViolation
)

// String returns the string representation of ValidationKind
func (k ValidationKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindSchemaViolation:
		return "schema_violation"
	default:
		return "unknown"
	}
}

// ValidationError is the only error type the codec returns. Decoding never
// panics past this boundary.
type ValidationError struct {
	Kind   ValidationKind
	Field  string
	Reason string
	cause  error
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindMalformed:
		if e.cause != nil {
			return fmt.Sprintf("malformed payload: %v", e.cause)
		}
		return "malformed payload"
	default:
		return fmt.Sprintf("schema violation: field %s: %s", e.Field, e.Reason)
	}
}

// Unwrap maps the error onto the pipeline error taxonomy so that
// errors.IsInvalid treats every validation failure as reject-without-requeue.
func (e *ValidationError) Unwrap() error {
	if e.Kind == KindMalformed {
		return errors.ErrMalformedPayload
	}
	return errors.ErrSchemaViolation
}

// Malformed returns a ValidationError for an unparseable payload
func Malformed(cause error) *ValidationError {
	return &ValidationError{Kind: KindMalformed, cause: cause}
}

// SchemaViolation returns a ValidationError for a missing or invalid field
func SchemaViolation(field, reason string) *ValidationError {
	return &ValidationError{Kind: KindSchemaViolation, Field: field, Reason: reason}
}

// IsValidationError reports whether err is a codec validation error and
// returns it if so.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if stderrors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

type postCreatedWire struct {
	PostID    string         `json:"postId"`
	UserID    string         `json:"userId"`
	Text      string         `json:"text"`
	CreatedAt string         `json:"createdAt"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`
}

type postInteractedWire struct {
	PostID          string `json:"postId"`
	UserID          string `json:"userId"`
	InteractionType string `json:"interactionType"`
	CreatedAt       string `json:"createdAt"`
}

// Decode deserializes raw message bytes for the given routing key into a
// typed event. Decoding is two-phase: structural parse first, then schema
// validation per event type. The returned error is always a *ValidationError.
func Decode(routingKey string, raw []byte) (Event, error) {
	switch routingKey {
	case RoutingKeyPostCreated:
		return DecodePostCreated(raw)
	case RoutingKeyPostInteracted:
		return DecodePostInteracted(raw)
	default:
		return nil, SchemaViolation("routingKey", fmt.Sprintf("unknown routing key %q", routingKey))
	}
}

// DecodePostCreated decodes and validates a post.created payload
func DecodePostCreated(raw []byte) (*PostCreated, error) {
	var wire postCreatedWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, Malformed(err)
	}

	createdAt, verr := parseTimestamp(wire.CreatedAt)
	if verr != nil {
		return nil, verr
	}

	event := &PostCreated{
		PostID:    wire.PostID,
		UserID:    wire.UserID,
		Text:      wire.Text,
		CreatedAt: createdAt,
		Metadata:  wire.Metadata,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// DecodePostInteracted decodes and validates a post.interacted payload
func DecodePostInteracted(raw []byte) (*PostInteracted, error) {
	var wire postInteractedWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, Malformed(err)
	}

	createdAt, verr := parseTimestamp(wire.CreatedAt)
	if verr != nil {
		return nil, verr
	}

	event := &PostInteracted{
		PostID:          wire.PostID,
		UserID:          wire.UserID,
		InteractionType: InteractionType(wire.InteractionType),
		CreatedAt:       createdAt,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// parseTimestamp parses an RFC3339 timestamp with timezone offset. Empty
// values are left to Validate so the field is reported as required.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, SchemaViolation("createdAt", "must be an RFC3339 timestamp")
	}
	return t, nil
}
