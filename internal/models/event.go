package models

import (
	"time"

	"github.com/google/uuid"
)

// ResetType classifies a session reset audit event.
type ResetType string

const (
	ResetTypeScheduledDaily      ResetType = "SCHEDULED_DAILY"
	ResetTypeManual              ResetType = "MANUAL"
	ResetTypeTimezoneChange      ResetType = "TIMEZONE_CHANGE"
	ResetTypeConfigurationChange ResetType = "CONFIGURATION_CHANGE"
	ResetTypeSystem              ResetType = "SYSTEM"
	ResetTypeStartup             ResetType = "STARTUP"
)

// SessionResetEvent is the append-only audit record written once per
// reset or manual change. Never mutated; retention cleanup is the only
// deletion path.
type SessionResetEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	UserID         string    `json:"user_id"`
	ResetType      ResetType `json:"reset_type"`
	PreviousCount  int       `json:"previous_count"`
	NewCount       int       `json:"new_count"`
	ResetTimestamp time.Time `json:"reset_timestamp_utc"`
	LocalResetTime string    `json:"local_reset_time"`
	DeviceID       *string   `json:"device_id,omitempty"`
	TriggerSource  string    `json:"trigger_source"`
}
