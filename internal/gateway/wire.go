package gateway

import (
	"encoding/json"
	"time"
)

// ClientMessage is the inbound frame a device sends over the socket.
// MessageID is echoed back on the response so devices can correlate.
type ClientMessage struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound intent types.
const (
	IntentGetSessionCount  = "get_session_count"
	IntentIncrementSession = "increment_session"
	IntentSetSessionCount  = "set_session_count"
	IntentResetSession     = "reset_session"
)

// ServerMessage is the outbound frame. Broadcast events carry an empty
// CorrelationID; direct intent responses echo the request's MessageID.
type ServerMessage struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	UserID        string          `json:"user_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *WireError      `json:"error,omitempty"`
}

// Outbound frame types that are not domain events.
const (
	TypeIntentResult = "IntentResult"
	TypeError        = "Error"
)

// WireError is a structured error returned for a rejected intent.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for rejected intents.
const (
	ErrCodeInvalidPayload   = "INVALID_PAYLOAD"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUnknownIntent    = "UNKNOWN_INTENT"
	ErrCodeInternal         = "INTERNAL"
)

// SetSessionCountPayload is the body of a set_session_count intent.
type SetSessionCountPayload struct {
	Count    int  `json:"count"`
	Override bool `json:"override"`
}

// SessionCountResult is the response body for count-returning intents.
// Suppressed reports an increment absorbed by a manual override.
type SessionCountResult struct {
	Count         int  `json:"count"`
	PreviousCount int  `json:"previous_count,omitempty"`
	Suppressed    bool `json:"suppressed,omitempty"`
	Conflict      bool `json:"conflict,omitempty"`
	SlowPublish   bool `json:"slow_publish,omitempty"`
}
