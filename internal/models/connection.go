package models

import "time"

// ConnectionStatus is the lifecycle state of a device connection.
type ConnectionStatus string

const (
	ConnectionStatusConnecting    ConnectionStatus = "CONNECTING"
	ConnectionStatusConnected     ConnectionStatus = "CONNECTED"
	ConnectionStatusInactive      ConnectionStatus = "INACTIVE"
	ConnectionStatusDisconnecting ConnectionStatus = "DISCONNECTING"
	ConnectionStatusDisconnected  ConnectionStatus = "DISCONNECTED"
)

// DeviceConnection describes one live WebSocket session. DeviceID is
// optional and persists across reconnects, so several connections may
// share one device (multiple tabs) and many map to one user.
type DeviceConnection struct {
	ConnectionID string           `json:"connection_id"`
	DeviceID     *string          `json:"device_id,omitempty"`
	UserID       string           `json:"user_id"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastPing     time.Time        `json:"last_ping"`
	Status       ConnectionStatus `json:"status"`
}
