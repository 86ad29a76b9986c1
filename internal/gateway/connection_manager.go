package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/models"
)

// ConnectionManager tracks the WebSocket connections of every user and
// fans domain events out to them. Pools are keyed by user ID; a device
// index supports conflict attribution and per-device diagnostics.
type ConnectionManager struct {
	userConnections map[string]map[*Connection]bool
	deviceIndex     map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	clock    clockwork.Clock
	config   ConnectionConfig

	intents IntentHandler
	latency LatencyRecorder

	broadcastCh chan BroadcastMessage
}

// IntentHandler processes an inbound client frame and returns the
// response frame to write back, or nil when no response is owed.
type IntentHandler interface {
	HandleIntent(ctx context.Context, conn *Connection, raw []byte) *ServerMessage
}

// Connection is one device's WebSocket link.
type Connection struct {
	ID       string
	UserID   string
	DeviceID string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	ConnectedAt time.Time

	// lastPing is guarded by the manager mutex.
	lastPing time.Time

	// sendMu serializes queueing against close so a broadcast never
	// writes to a channel being closed by unregistration.
	sendMu sync.Mutex
	closed bool
}

type sendResult int

const (
	sendQueued sendResult = iota
	sendClosed
	sendFull
)

// trySend queues data for the write pump unless the connection has
// already been closed.
func (c *Connection) trySend(data []byte) sendResult {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return sendClosed
	}
	select {
	case c.Send <- data:
		return sendQueued
	default:
		return sendFull
	}
}

// closeSend closes the send buffer exactly once.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

// ConnectionConfig holds socket and sweep settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	SweepInterval   time.Duration
	StaleTimeout    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage targets every live connection of one user, or a
// single device when DeviceID is set.
type BroadcastMessage struct {
	UserID   string
	DeviceID string
	Event    *ServerMessage
}

// DefaultConnectionConfig returns default WebSocket configuration. A
// connection that misses heartbeats for StaleTimeout is swept.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		SweepInterval:   60 * time.Second,
		StaleTimeout:    120 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		userConnections: make(map[string]map[*Connection]bool),
		deviceIndex:     make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		clock:       clock,
		config:      config,
		latency:     NoOpLatencyRecorder{},
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// SetLatencyRecorder installs a broadcast timing sink.
func (cm *ConnectionManager) SetLatencyRecorder(r LatencyRecorder) {
	cm.latency = r
}

// SetIntentHandler installs the inbound frame processor. Must be called
// before any connection is accepted.
func (cm *ConnectionManager) SetIntentHandler(h IntentHandler) {
	cm.intents = h
}

// Start processes broadcasts and runs the stale-connection sweep until
// the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().
		Dur("sweep_interval", cm.config.SweepInterval).
		Dur("stale_timeout", cm.config.StaleTimeout).
		Msg("connection manager started")

	sweepTicker := cm.clock.NewTicker(cm.config.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		case <-sweepTicker.Chan():
			swept := cm.Sweep(cm.clock.Now())
			if swept > 0 {
				log.Info().Int("swept", swept).Msg("closed stale connections")
			}
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket and
// registers the resulting connection.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, deviceID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		DeviceID:    deviceID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
		lastPing:    cm.clock.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Str("device_id", deviceID).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.userConnections[conn.UserID] == nil {
		cm.userConnections[conn.UserID] = make(map[*Connection]bool)
	}
	cm.userConnections[conn.UserID][conn] = true

	if cm.deviceIndex[conn.DeviceID] == nil {
		cm.deviceIndex[conn.DeviceID] = make(map[*Connection]bool)
	}
	cm.deviceIndex[conn.DeviceID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Int("user_connections", len(cm.userConnections[conn.UserID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.unregisterLocked(conn)
}

func (cm *ConnectionManager) unregisterLocked(conn *Connection) {
	connections, exists := cm.userConnections[conn.UserID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	conn.closeSend()

	if len(connections) == 0 {
		delete(cm.userConnections, conn.UserID)
	}
	if deviceConns := cm.deviceIndex[conn.DeviceID]; deviceConns != nil {
		delete(deviceConns, conn)
		if len(deviceConns) == 0 {
			delete(cm.deviceIndex, conn.DeviceID)
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("device_id", conn.DeviceID).
		Msg("connection unregistered")
}

// Touch records a heartbeat for the connection.
func (cm *ConnectionManager) Touch(conn *Connection) {
	cm.mu.Lock()
	conn.lastPing = cm.clock.Now()
	cm.mu.Unlock()
}

// Sweep closes every connection whose last heartbeat is older than the
// stale timeout. Returns the number of connections closed.
func (cm *ConnectionManager) Sweep(now time.Time) int {
	cutoff := now.Add(-cm.config.StaleTimeout)

	cm.mu.Lock()
	var stale []*Connection
	for _, connections := range cm.userConnections {
		for conn := range connections {
			if conn.lastPing.Before(cutoff) {
				stale = append(stale, conn)
			}
		}
	}
	for _, conn := range stale {
		cm.unregisterLocked(conn)
	}
	cm.mu.Unlock()

	for _, conn := range stale {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Time("last_ping", conn.lastPing).
			Msg("sweeping stale connection")
		conn.Conn.Close()
	}
	return len(stale)
}

// ActiveConnections counts the user's connections with a heartbeat
// newer than the stale timeout.
func (cm *ConnectionManager) ActiveConnections(userID string, now time.Time) int {
	cutoff := now.Add(-cm.config.StaleTimeout)

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	active := 0
	for conn := range cm.userConnections[userID] {
		if !conn.lastPing.Before(cutoff) {
			active++
		}
	}
	return active
}

// Connections describes the user's current connections. Connections
// past the stale timeout but not yet swept report as inactive.
func (cm *ConnectionManager) Connections(userID string, now time.Time) []models.DeviceConnection {
	cutoff := now.Add(-cm.config.StaleTimeout)

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var out []models.DeviceConnection
	for conn := range cm.userConnections[userID] {
		status := models.ConnectionStatusConnected
		if conn.lastPing.Before(cutoff) {
			status = models.ConnectionStatusInactive
		}
		deviceID := conn.DeviceID
		out = append(out, models.DeviceConnection{
			ConnectionID: conn.ID,
			DeviceID:     &deviceID,
			UserID:       conn.UserID,
			ConnectedAt:  conn.ConnectedAt,
			LastPing:     conn.lastPing,
			Status:       status,
		})
	}
	return out
}

// BroadcastToUser sends an event to all of a user's connections.
func (cm *ConnectionManager) BroadcastToUser(userID string, event *ServerMessage) {
	select {
	case cm.broadcastCh <- BroadcastMessage{UserID: userID, Event: event}:
	default:
		log.Warn().Str("user_id", userID).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToDevice sends an event to one device of a user.
func (cm *ConnectionManager) BroadcastToDevice(userID, deviceID string, event *ServerMessage) {
	select {
	case cm.broadcastCh <- BroadcastMessage{UserID: userID, DeviceID: deviceID, Event: event}:
	default:
		log.Warn().
			Str("user_id", userID).
			Str("device_id", deviceID).
			Msg("broadcast channel full, dropping device message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	started := time.Now()

	// Snapshot so the lock is not held while writing to send buffers.
	cm.mu.RLock()
	var targets []*Connection
	if message.DeviceID != "" {
		for conn := range cm.deviceIndex[message.DeviceID] {
			if conn.UserID != message.UserID {
				continue
			}
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.userConnections[message.UserID] {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		switch conn.trySend(eventData) {
		case sendQueued:
		case sendClosed:
			// Unregistered between snapshot and send; nothing to do.
		case sendFull:
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	elapsed := time.Since(started)
	cm.latency.RecordBroadcast(message.Event.Type, len(targets), elapsed)
	if elapsed > broadcastBudget {
		log.Warn().
			Str("event_type", message.Event.Type).
			Str("user_id", message.UserID).
			Dur("elapsed", elapsed).
			Msg("broadcast exceeded latency budget")
	}

	log.Debug().
		Str("event_type", message.Event.Type).
		Str("user_id", message.UserID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := 0
	userCounts := make(map[string]int)

	for userID, connections := range cm.userConnections {
		count := len(connections)
		totalConnections += count
		userCounts[userID] = count
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_users":      len(cm.userConnections),
		"user_connections":  userCounts,
	}
}

// writePump drains the send buffer to the socket and keeps the link
// alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads client frames, refreshing the heartbeat on every pong
// and every message.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.Manager.Touch(c)
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.Manager.Touch(c)
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage dispatches an inbound frame to the intent handler
// and writes the response back on this connection only.
func (c *Connection) handleClientMessage(message []byte) {
	if c.Manager.intents == nil {
		log.Debug().
			Str("connection_id", c.ID).
			Msg("no intent handler installed, dropping client message")
		return
	}

	response := c.Manager.intents.HandleIntent(context.Background(), c, message)
	if response == nil {
		return
	}

	data, err := json.Marshal(response)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal intent response")
		return
	}

	if c.trySend(data) != sendQueued {
		log.Warn().
			Str("connection_id", c.ID).
			Msg("send buffer full, dropping intent response")
	}
}
