// Package message defines the domain events carried on the broker and the
// codec that turns raw message bytes into validated typed events.
package message

import (
	"encoding/json"
	"time"
)

// Routing keys for the topic exchange
const (
	RoutingKeyPostCreated    = "post.created"
	RoutingKeyPostInteracted = "post.interacted"
)

// Event is a validated domain event that can be published to or consumed
// from the broker.
type Event interface {
	RoutingKey() string
	Validate() error
}

// InteractionType is the closed set of ways a user can interact with a post
type InteractionType string

// Known interaction types. Values outside this set fail validation, they are
// never silently dropped.
const (
	InteractionLike    InteractionType = "like"
	InteractionView    InteractionType = "view"
	InteractionShare   InteractionType = "share"
	InteractionComment InteractionType = "comment"
)

// Valid reports whether the interaction type is part of the closed enumeration
func (it InteractionType) Valid() bool {
	switch it {
	case InteractionLike, InteractionView, InteractionShare, InteractionComment:
		return true
	default:
		return false
	}
}

// EventMetadata carries optional additive fields on PostCreated events
type EventMetadata struct {
	Language string `json:"language,omitempty"`
	Source   string `json:"source,omitempty"`
}

// PostCreated is emitted when a post is created upstream. PostID and UserID
// are stable external identifiers and are never regenerated here.
type PostCreated struct {
	PostID    string
	UserID    string
	Text      string
	CreatedAt time.Time
	Metadata  *EventMetadata
}

// RoutingKey implements Event
func (e *PostCreated) RoutingKey() string { return RoutingKeyPostCreated }

// Validate implements Event
func (e *PostCreated) Validate() error {
	if e.PostID == "" {
		return SchemaViolation("postId", "required")
	}
	if e.UserID == "" {
		return SchemaViolation("userId", "required")
	}
	if e.Text == "" {
		return SchemaViolation("text", "must not be empty")
	}
	if e.CreatedAt.IsZero() {
		return SchemaViolation("createdAt", "required")
	}
	return nil
}

// MarshalJSON encodes the event in the broker wire format
func (e *PostCreated) MarshalJSON() ([]byte, error) {
	return json.Marshal(postCreatedWire{
		PostID:    e.PostID,
		UserID:    e.UserID,
		Text:      e.Text,
		CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		Metadata:  e.Metadata,
	})
}

// PostInteracted is emitted when a user interacts with a post
type PostInteracted struct {
	PostID          string
	UserID          string
	InteractionType InteractionType
	CreatedAt       time.Time
}

// RoutingKey implements Event
func (e *PostInteracted) RoutingKey() string { return RoutingKeyPostInteracted }

// Validate implements Event
func (e *PostInteracted) Validate() error {
	if e.PostID == "" {
		return SchemaViolation("postId", "required")
	}
	if e.UserID == "" {
		return SchemaViolation("userId", "required")
	}
	if !e.InteractionType.Valid() {
		return SchemaViolation("interactionType", "must be one of like, view, share, comment")
	}
	if e.CreatedAt.IsZero() {
		return SchemaViolation("createdAt", "required")
	}
	return nil
}

// MarshalJSON encodes the event in the broker wire format
func (e *PostInteracted) MarshalJSON() ([]byte, error) {
	return json.Marshal(postInteractedWire{
		PostID:          e.PostID,
		UserID:          e.UserID,
		InteractionType: string(e.InteractionType),
		CreatedAt:       e.CreatedAt.Format(time.RFC3339Nano),
	})
}
