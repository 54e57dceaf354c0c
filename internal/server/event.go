// Package server defines the wire event schema exchanged with clients and
// the validation rules applied before routing.
package server

import (
	"encoding/json"
	"errors"
)

// Event kinds carried in the event_type field.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventOnline  = "online"
	EventOffline = "offline"
)

// ErrMalformedEvent indicates a frame that decoded as JSON but violates the
// event contract (unknown kind, or not exactly one target).
var ErrMalformedEvent = errors.New("malformed event")

// Event is one inbound or outbound frame. Exactly one of ReceiverID and
// GroupID must be set. Events are immutable once decoded; the router never
// mutates them after validation.
type Event struct {
	Type       string          `json:"event_type"`
	UserID     int64           `json:"user_id"`
	ReceiverID *int64          `json:"receiver_id"`
	GroupID    *int64          `json:"group_id"`
	Content    *string         `json:"content"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DecodeEvent parses a raw frame and validates it against the event contract.
func DecodeEvent(raw []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Validate checks the kind and the one-target rule.
func (e *Event) Validate() error {
	switch e.Type {
	case EventMessage, EventTyping, EventOnline, EventOffline:
	default:
		return ErrMalformedEvent
	}
	if (e.ReceiverID == nil) == (e.GroupID == nil) {
		return ErrMalformedEvent
	}
	return nil
}

// IsDirect reports whether the event targets a single user.
func (e *Event) IsDirect() bool {
	return e.ReceiverID != nil
}

// Encode serializes the event to its wire form.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
