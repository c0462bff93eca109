package eventstore

import (
	"time"

	json "github.com/goccy/go-json"
)

// Event is the envelope every aggregate emits. Payload is a typed struct
// registered under EventName; the codec flattens it onto the wire.
type Event struct {
	EventName     string
	OccurredAt    time.Time
	CorrelationID string
	AggregateID   string
	Version       int64
	// UserID travels as the "userId" payload field when the schema declares
	// one; it has no slot of its own in the encoded form.
	UserID  string
	Payload any
}

// Snapshot is the stored aggregate state at a version. State stays opaque
// to the store; aggregates own its shape.
type Snapshot struct {
	Version int64           `json:"version"`
	TakenAt int64           `json:"takenAt"`
	State   json.RawMessage `json:"state"`
}

// IntegrationEvent is the outbox envelope crossing process boundaries. The
// outbox row stores it as plain JSON; the dispatcher seals it before it
// touches the broker.
type IntegrationEvent struct {
	ID            string          `json:"id"`
	EventName     string          `json:"eventName"`
	OccurredAt    int64           `json:"occurredAt"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Version       int64           `json:"version"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}
