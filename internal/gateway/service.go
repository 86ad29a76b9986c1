package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/sessioncount"
)

// publishBudget is the latency target from intent receipt to committed
// state change. Exceeding it flags the response, it never fails it.
const publishBudget = 500 * time.Millisecond

// CountService is the session count surface the gateway drives.
type CountService interface {
	CurrentCount(ctx context.Context, userID string) (int, error)
	Increment(ctx context.Context, userID string, deviceID *string) (sessioncount.IncrementResult, error)
	Set(ctx context.Context, userID string, count int, asOverride bool, deviceID *string) (sessioncount.SetResult, error)
	Reset(ctx context.Context, userID string, resetType models.ResetType, triggerSource string, deviceID *string) (sessioncount.ResetResult, error)
}

// Service translates WebSocket intents into count operations.
type Service struct {
	counts CountService
	clock  clockwork.Clock
}

// NewService creates the intent service.
func NewService(counts CountService, clock clockwork.Clock) *Service {
	return &Service{counts: counts, clock: clock}
}

// HandleIntent parses and executes one client frame. The returned
// message is addressed to the requesting connection only; state changes
// reach every device through the outbox and the event consumer.
func (s *Service) HandleIntent(ctx context.Context, conn *Connection, raw []byte) *ServerMessage {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.errorResponse(conn, "", ErrCodeInvalidPayload, "malformed message")
	}

	started := time.Now()
	var (
		result SessionCountResult
		err    error
	)

	switch msg.Type {
	case IntentGetSessionCount:
		var count int
		count, err = s.counts.CurrentCount(ctx, conn.UserID)
		result = SessionCountResult{Count: count}

	case IntentIncrementSession:
		var inc sessioncount.IncrementResult
		inc, err = s.counts.Increment(ctx, conn.UserID, &conn.DeviceID)
		result = SessionCountResult{
			Count:      inc.Count,
			Suppressed: inc.Suppressed,
		}

	case IntentSetSessionCount:
		var payload SetSessionCountPayload
		if jsonErr := json.Unmarshal(msg.Payload, &payload); jsonErr != nil {
			return s.errorResponse(conn, msg.MessageID, ErrCodeInvalidPayload, "malformed set_session_count payload")
		}
		var set sessioncount.SetResult
		set, err = s.counts.Set(ctx, conn.UserID, payload.Count, payload.Override, &conn.DeviceID)
		result = SessionCountResult{
			Count:         set.NewCount,
			PreviousCount: set.PreviousCount,
			Conflict:      set.Conflict,
		}

	case IntentResetSession:
		var reset sessioncount.ResetResult
		reset, err = s.counts.Reset(ctx, conn.UserID, models.ResetTypeManual, "websocket", &conn.DeviceID)
		result = SessionCountResult{
			Count:         reset.NewCount,
			PreviousCount: reset.PreviousCount,
		}

	default:
		return s.errorResponse(conn, msg.MessageID, ErrCodeUnknownIntent, fmt.Sprintf("unknown intent type: %s", msg.Type))
	}

	if err != nil {
		code := ErrCodeInternal
		if errors.Is(err, sessioncount.ErrInvalidSessionCount) || errors.Is(err, sessioncount.ErrEmptyUserID) {
			code = ErrCodeValidationFailed
		}
		log.Error().
			Err(err).
			Str("intent", msg.Type).
			Str("user_id", conn.UserID).
			Str("device_id", conn.DeviceID).
			Msg("intent failed")
		return s.errorResponse(conn, msg.MessageID, code, err.Error())
	}

	elapsed := time.Since(started)
	if elapsed > publishBudget {
		result.SlowPublish = true
		log.Warn().
			Str("intent", msg.Type).
			Str("user_id", conn.UserID).
			Dur("elapsed", elapsed).
			Msg("intent exceeded publish budget")
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return s.errorResponse(conn, msg.MessageID, ErrCodeInternal, "failed to encode result")
	}

	return &ServerMessage{
		ID:            uuid.New().String(),
		Type:          TypeIntentResult,
		UserID:        conn.UserID,
		CorrelationID: msg.MessageID,
		Timestamp:     s.clock.Now(),
		Payload:       payload,
	}
}

func (s *Service) errorResponse(conn *Connection, correlationID, code, message string) *ServerMessage {
	return &ServerMessage{
		ID:            uuid.New().String(),
		Type:          TypeError,
		UserID:        conn.UserID,
		CorrelationID: correlationID,
		Timestamp:     s.clock.Now(),
		Error:         &WireError{Code: code, Message: message},
	}
}
