package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent represents an outbox event for the application layer.
// Rows are inserted in the same transaction as the state mutation they
// describe and published to the bus by the worker.
type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
	Attempts  int             `json:"attempts"`
}

// NewEvent builds an unsent outbox event for the given user.
func NewEvent(userID, eventType string, payload []byte, now time.Time) OutboxEvent {
	return OutboxEvent{
		ID:        uuid.New(),
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now,
	}
}
