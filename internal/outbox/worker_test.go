package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []OutboxEvent
}

func (m *mockPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("bus unavailable")
	}
	m.events = append(m.events, event)
	return nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	attempts []bool
	events   []string
}

func (r *recordingMetrics) RecordEventProcessed(eventType string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingMetrics) RecordBatchProcessed(count int, duration time.Duration) {}

func (r *recordingMetrics) RecordPublishAttempt(eventType string, attempt int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, success)
}

func testEvent(userID, eventType string) OutboxEvent {
	payload, _ := json.Marshal(map[string]any{"count": 3})
	return NewEvent(userID, eventType, payload, time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
}

func newTestWorker(pub EventPublisher, metrics MetricsCollector) *Worker {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return NewWorker(nil, nil, pub, metrics, cfg)
}

func TestPublishWithRetryRecoversFromTransientFailure(t *testing.T) {
	pub := &mockPublisher{failures: 2}
	metrics := &recordingMetrics{}
	w := newTestWorker(pub, metrics)

	event := testEvent("user-1", "SESSION_COUNT_UPDATED")
	err := w.publishWithRetry(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, 3, pub.calls)
	assert.Equal(t, []bool{false, false, true}, metrics.attempts)
	require.Len(t, pub.events, 1)
	assert.Equal(t, event.ID, pub.events[0].ID)
}

func TestPublishWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	pub := &mockPublisher{failures: 10}
	w := newTestWorker(pub, &NoOpMetricsCollector{})

	err := w.publishWithRetry(context.Background(), testEvent("user-1", "SESSION_RESET"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 4 attempts")
	assert.Equal(t, 4, pub.calls)
}

func TestPublishWithRetryStopsOnCancelledContext(t *testing.T) {
	pub := &mockPublisher{failures: 10}
	w := newTestWorker(pub, &NoOpMetricsCollector{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.publishWithRetry(ctx, testEvent("user-1", "SESSION_RESET"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, pub.calls)
}

func TestMetricPublisherRecordsOutcome(t *testing.T) {
	pub := &mockPublisher{}
	metrics := &recordingMetrics{}
	mp := NewMetricPublisher(pub, metrics)

	err := mp.Publish(context.Background(), testEvent("user-1", "CONFIGURATION_CHANGED"))
	require.NoError(t, err)
	assert.Equal(t, []string{"CONFIGURATION_CHANGED"}, metrics.events)
}

func TestWorkerStartStopLifecycle(t *testing.T) {
	w := newTestWorker(&mockPublisher{}, &NoOpMetricsCollector{})

	// stop before start is an error
	require.Error(t, w.Stop())
}

func TestEnvelopeShape(t *testing.T) {
	event := testEvent("user-9", "SESSION_COUNT_UPDATED")
	envelope := Envelope{
		EventID:   event.ID.String(),
		EventType: event.EventType,
		UserID:    event.UserID,
		Timestamp: event.CreatedAt,
		Payload:   event.Payload,
	}

	raw, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, event.ID.String(), decoded.EventID)
	assert.Equal(t, "user-9", decoded.UserID)
	assert.JSONEq(t, string(event.Payload), string(decoded.Payload))
}
