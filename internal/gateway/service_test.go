package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/sessioncount"
)

type fakeCountService struct {
	count      int
	suppressed bool
	setResult  sessioncount.SetResult
	resetErr   error
	setErr     error

	lastSetCount    int
	lastSetOverride bool
	lastDeviceID    *string
}

func (f *fakeCountService) CurrentCount(ctx context.Context, userID string) (int, error) {
	return f.count, nil
}

func (f *fakeCountService) Increment(ctx context.Context, userID string, deviceID *string) (sessioncount.IncrementResult, error) {
	if f.suppressed {
		return sessioncount.IncrementResult{Count: f.count, Suppressed: true}, nil
	}
	f.count++
	return sessioncount.IncrementResult{Count: f.count}, nil
}

func (f *fakeCountService) Set(ctx context.Context, userID string, count int, asOverride bool, deviceID *string) (sessioncount.SetResult, error) {
	f.lastSetCount = count
	f.lastSetOverride = asOverride
	f.lastDeviceID = deviceID
	return f.setResult, f.setErr
}

func (f *fakeCountService) Reset(ctx context.Context, userID string, resetType models.ResetType, triggerSource string, deviceID *string) (sessioncount.ResetResult, error) {
	if f.resetErr != nil {
		return sessioncount.ResetResult{}, f.resetErr
	}
	prev := f.count
	f.count = 0
	return sessioncount.ResetResult{PreviousCount: prev, NewCount: 0}, nil
}

func testConn() *Connection {
	return &Connection{ID: "conn-1", UserID: "user-1", DeviceID: "device-a"}
}

func intentFrame(t *testing.T, msgType, messageID string, payload any) []byte {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	data, err := json.Marshal(ClientMessage{Type: msgType, MessageID: messageID, Payload: raw})
	require.NoError(t, err)
	return data
}

func decodeResult(t *testing.T, msg *ServerMessage) SessionCountResult {
	t.Helper()
	var result SessionCountResult
	require.NoError(t, json.Unmarshal(msg.Payload, &result))
	return result
}

func TestHandleIntentGetSessionCount(t *testing.T) {
	counts := &fakeCountService{count: 7}
	svc := NewService(counts, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(), intentFrame(t, IntentGetSessionCount, "msg-1", nil))
	require.NotNil(t, resp)
	assert.Equal(t, TypeIntentResult, resp.Type)
	assert.Equal(t, "msg-1", resp.CorrelationID)
	assert.Equal(t, 7, decodeResult(t, resp).Count)
}

func TestHandleIntentIncrementSession(t *testing.T) {
	counts := &fakeCountService{count: 4}
	svc := NewService(counts, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(), intentFrame(t, IntentIncrementSession, "msg-8", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := decodeResult(t, resp)
	assert.Equal(t, 5, result.Count)
	assert.False(t, result.Suppressed)
}

func TestHandleIntentIncrementSuppressedByOverride(t *testing.T) {
	counts := &fakeCountService{count: 10, suppressed: true}
	svc := NewService(counts, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(), intentFrame(t, IntentIncrementSession, "msg-9", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := decodeResult(t, resp)
	assert.Equal(t, 10, result.Count)
	assert.True(t, result.Suppressed)
}

func TestHandleIntentSetSessionCount(t *testing.T) {
	counts := &fakeCountService{
		setResult: sessioncount.SetResult{PreviousCount: 3, NewCount: 12, Conflict: true},
	}
	svc := NewService(counts, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(),
		intentFrame(t, IntentSetSessionCount, "msg-2", SetSessionCountPayload{Count: 12, Override: true}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := decodeResult(t, resp)
	assert.Equal(t, 12, result.Count)
	assert.Equal(t, 3, result.PreviousCount)
	assert.True(t, result.Conflict)

	assert.Equal(t, 12, counts.lastSetCount)
	assert.True(t, counts.lastSetOverride)
	require.NotNil(t, counts.lastDeviceID)
	assert.Equal(t, "device-a", *counts.lastDeviceID)
}

func TestHandleIntentResetSession(t *testing.T) {
	counts := &fakeCountService{count: 9}
	svc := NewService(counts, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(), intentFrame(t, IntentResetSession, "msg-3", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := decodeResult(t, resp)
	assert.Equal(t, 0, result.Count)
	assert.Equal(t, 9, result.PreviousCount)
}

func TestHandleIntentValidationError(t *testing.T) {
	counts := &fakeCountService{setErr: sessioncount.ErrInvalidSessionCount}
	svc := NewService(counts, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(),
		intentFrame(t, IntentSetSessionCount, "msg-4", SetSessionCountPayload{Count: -1}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, TypeError, resp.Type)
	assert.Equal(t, ErrCodeValidationFailed, resp.Error.Code)
	assert.Equal(t, "msg-4", resp.CorrelationID)
}

func TestHandleIntentInternalError(t *testing.T) {
	counts := &fakeCountService{resetErr: errors.New("database gone")}
	svc := NewService(counts, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(), intentFrame(t, IntentResetSession, "msg-5", nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
}

func TestHandleIntentUnknownType(t *testing.T) {
	svc := NewService(&fakeCountService{}, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(), intentFrame(t, "start_timer", "msg-6", nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownIntent, resp.Error.Code)
}

func TestHandleIntentMalformedFrame(t *testing.T) {
	svc := NewService(&fakeCountService{}, clockwork.NewFakeClock())

	resp := svc.HandleIntent(context.Background(), testConn(), []byte("{not json"))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidPayload, resp.Error.Code)
}

func TestHandleIntentMalformedSetPayload(t *testing.T) {
	svc := NewService(&fakeCountService{}, clockwork.NewFakeClock())

	frame, err := json.Marshal(ClientMessage{
		Type:      IntentSetSessionCount,
		MessageID: "msg-7",
		Payload:   json.RawMessage(`"twelve"`),
	})
	require.NoError(t, err)

	resp := svc.HandleIntent(context.Background(), testConn(), frame)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidPayload, resp.Error.Code)
}
