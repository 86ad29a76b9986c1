package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*ConnectionManager, *clockwork.FakeClock, *httptest.Server) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
	cm := NewConnectionManager(DefaultConnectionConfig(), clock)
	handler := NewWebSocketHandler(cm)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleSessionConnection))
	t.Cleanup(server.Close)
	return cm, clock, server
}

func dial(t *testing.T, server *httptest.Server, userID, deviceID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?user_id=" + userID + "&device_id=" + deviceID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, cm *ConnectionManager, total int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cm.GetConnectionStats()["total_connections"] == total {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connections, have %v", total, cm.GetConnectionStats()["total_connections"])
}

func TestUpgradeRequiresIdentity(t *testing.T) {
	_, _, server := newTestManager(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?user_id=user-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestRegisterAndActiveConnections(t *testing.T) {
	cm, clock, server := newTestManager(t)

	dial(t, server, "user-1", "device-a")
	dial(t, server, "user-1", "device-b")
	dial(t, server, "user-2", "device-c")
	waitForConnections(t, cm, 3)

	assert.Equal(t, 2, cm.ActiveConnections("user-1", clock.Now()))
	assert.Equal(t, 1, cm.ActiveConnections("user-2", clock.Now()))
	assert.Equal(t, 0, cm.ActiveConnections("user-3", clock.Now()))

	stats := cm.GetConnectionStats()
	assert.Equal(t, 3, stats["total_connections"])
	assert.Equal(t, 2, stats["active_users"])
}

func TestSweepClosesStaleConnections(t *testing.T) {
	cm, clock, server := newTestManager(t)

	dial(t, server, "user-1", "device-a")
	waitForConnections(t, cm, 1)

	// Heartbeat is fresh, nothing to sweep.
	assert.Equal(t, 0, cm.Sweep(clock.Now()))

	// Two minutes of silence crosses the stale timeout.
	clock.Advance(121 * time.Second)
	assert.Equal(t, 0, cm.ActiveConnections("user-1", clock.Now()))
	assert.Equal(t, 1, cm.Sweep(clock.Now()))

	waitForConnections(t, cm, 0)
	assert.Equal(t, 0, cm.Sweep(clock.Now()))
}

func TestSweepKeepsFreshConnections(t *testing.T) {
	cm, clock, server := newTestManager(t)

	dial(t, server, "user-1", "device-a")
	waitForConnections(t, cm, 1)

	clock.Advance(119 * time.Second)
	assert.Equal(t, 0, cm.Sweep(clock.Now()))
	assert.Equal(t, 1, cm.GetConnectionStats()["total_connections"])
}

func TestBroadcastToUserReachesAllDevices(t *testing.T) {
	cm, _, server := newTestManager(t)

	connA := dial(t, server, "user-1", "device-a")
	connB := dial(t, server, "user-1", "device-b")
	waitForConnections(t, cm, 2)

	event := &ServerMessage{
		ID:     "ev-1",
		Type:   "SessionCountUpdated",
		UserID: "user-1",
	}
	cm.handleBroadcast(BroadcastMessage{UserID: "user-1", Event: event})

	for _, conn := range []*websocket.Conn{connA, connB} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var received ServerMessage
		require.NoError(t, json.Unmarshal(data, &received))
		assert.Equal(t, "ev-1", received.ID)
		assert.Equal(t, "SessionCountUpdated", received.Type)
	}
}

func TestBroadcastToDeviceFilters(t *testing.T) {
	cm, _, server := newTestManager(t)

	connA := dial(t, server, "user-1", "device-a")
	connB := dial(t, server, "user-1", "device-b")
	waitForConnections(t, cm, 2)

	event := &ServerMessage{ID: "ev-2", Type: "ConflictResolved", UserID: "user-1"}
	cm.handleBroadcast(BroadcastMessage{UserID: "user-1", DeviceID: "device-a", Event: event})

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := connA.ReadMessage()
	require.NoError(t, err)

	var received ServerMessage
	require.NoError(t, json.Unmarshal(data, &received))
	assert.Equal(t, "ev-2", received.ID)

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = connB.ReadMessage()
	require.Error(t, err)
}

func TestBroadcastDuringUnregisterDoesNotPanic(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
	cm := NewConnectionManager(DefaultConnectionConfig(), clock)

	conns := make([]*Connection, 50)
	for i := range conns {
		conns[i] = &Connection{
			ID:       fmt.Sprintf("conn-%d", i),
			UserID:   "user-1",
			DeviceID: fmt.Sprintf("device-%d", i),
			Send:     make(chan []byte, 256),
			Manager:  cm,
			lastPing: clock.Now(),
		}
		cm.registerConnection(conns[i])
	}

	event := &ServerMessage{ID: "ev-race", Type: "SessionCountUpdated", UserID: "user-1"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			cm.handleBroadcast(BroadcastMessage{UserID: "user-1", Event: event})
		}
	}()
	go func() {
		defer wg.Done()
		for _, conn := range conns {
			cm.unregisterConnection(conn)
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, cm.GetConnectionStats()["total_connections"])
}

func TestUnregisterClearsDeviceIndex(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
	cm := NewConnectionManager(DefaultConnectionConfig(), clock)

	conn := &Connection{
		ID:       "conn-1",
		UserID:   "user-1",
		DeviceID: "device-a",
		Send:     make(chan []byte, 1),
		Manager:  cm,
		lastPing: clock.Now(),
	}
	cm.registerConnection(conn)

	cm.mu.RLock()
	_, indexed := cm.deviceIndex["device-a"]
	cm.mu.RUnlock()
	require.True(t, indexed)

	cm.unregisterConnection(conn)

	cm.mu.RLock()
	_, indexed = cm.deviceIndex["device-a"]
	cm.mu.RUnlock()
	assert.False(t, indexed)

	// A device broadcast after unregistration finds no targets.
	cm.handleBroadcast(BroadcastMessage{
		UserID:   "user-1",
		DeviceID: "device-a",
		Event:    &ServerMessage{ID: "ev-3", Type: "SessionReset", UserID: "user-1"},
	})
}

func TestIntentRoundTripOverSocket(t *testing.T) {
	cm, clock, server := newTestManager(t)
	cm.SetIntentHandler(NewService(&fakeCountService{count: 4}, clock))

	conn := dial(t, server, "user-1", "device-a")
	waitForConnections(t, cm, 1)

	frame, err := json.Marshal(ClientMessage{Type: IntentGetSessionCount, MessageID: "rt-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp ServerMessage
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, TypeIntentResult, resp.Type)
	assert.Equal(t, "rt-1", resp.CorrelationID)

	var result SessionCountResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, 4, result.Count)
}
