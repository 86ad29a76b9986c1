// Package events defines the domain event payloads that flow from state
// mutations through the outbox to connected devices. Payloads live here
// so the state, outbox and gateway packages can share them without
// import cycles.
package events

import "time"

// Event type names as they appear on the wire and in the outbox table.
const (
	TypeSessionCountUpdated  = "SessionCountUpdated"
	TypeSessionReset         = "SessionReset"
	TypeConfigurationChanged = "ConfigurationChanged"
	TypeConflictResolved     = "ConflictResolved"
)

// Source values for SessionCountUpdated.
const (
	SourceIncrement      = "increment"
	SourceManualSet      = "manual_set"
	SourceManualOverride = "manual_override"
	SourceScheduledReset = "scheduled_reset"
	SourceManualReset    = "manual_reset"
)

// SessionCountUpdatedPayload announces any change to a user's count.
type SessionCountUpdatedPayload struct {
	UserID        string     `json:"user_id"`
	PreviousCount int        `json:"previous_count"`
	NewCount      int        `json:"new_count"`
	Source        string     `json:"source"`
	DeviceID      *string    `json:"device_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SessionResetPayload announces a completed reset, scheduled or manual.
type SessionResetPayload struct {
	UserID        string    `json:"user_id"`
	PreviousCount int       `json:"previous_count"`
	NewCount      int       `json:"new_count"`
	ResetType     string    `json:"reset_type"`
	LocalTime     string    `json:"local_time"`
	Timezone      string    `json:"timezone"`
	ResetAt       time.Time `json:"reset_at"`
}

// ConfigurationSnapshot is the subset of the configuration that devices
// care about.
type ConfigurationSnapshot struct {
	Timezone  string `json:"timezone"`
	ResetSpec string `json:"reset_spec"`
	Cron      string `json:"cron"`
	Enabled   bool   `json:"enabled"`
}

// ConfigurationChangedPayload announces timezone/spec/enabled edits.
type ConfigurationChangedPayload struct {
	UserID    string                `json:"user_id"`
	Previous  ConfigurationSnapshot `json:"previous"`
	New       ConfigurationSnapshot `json:"new"`
	ChangedAt time.Time             `json:"changed_at"`
}

// ConflictResolvedPayload carries the winning count after two devices
// wrote concurrently, so the losing device's UI can reconcile instead
// of silently disagreeing with the server.
type ConflictResolvedPayload struct {
	UserID          string    `json:"user_id"`
	WinningCount    int       `json:"winning_count"`
	WinningDeviceID *string   `json:"winning_device_id,omitempty"`
	ResolvedAt      time.Time `json:"resolved_at"`
}
