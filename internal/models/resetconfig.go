package models

import (
	"time"
)

// MaxSessionCount is the sanity ceiling for daily session counts.
const MaxSessionCount = 1000

// UserResetConfiguration is the per-user daily reset record. today_count
// carries the automatic count; ManualOverride, when set, is authoritative
// and suppresses automatic increments until cleared or reset.
type UserResetConfiguration struct {
	UserID         string     `json:"user_id"`
	Timezone       string     `json:"timezone"`
	ResetSpec      ResetSpec  `json:"reset_spec"`
	Enabled        bool       `json:"enabled"`
	LastResetUTC   *time.Time `json:"last_reset_utc,omitempty"`
	TodayCount     int        `json:"today_count"`
	ManualOverride *int       `json:"manual_override,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DefaultResetConfiguration is the record created on first access:
// UTC, midnight, disabled.
func DefaultResetConfiguration(userID string, now time.Time) *UserResetConfiguration {
	return &UserResetConfiguration{
		UserID:    userID,
		Timezone:  "UTC",
		ResetSpec: Midnight(),
		Enabled:   false,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CurrentCount returns the manual override when present, else the
// automatic count.
func (c *UserResetConfiguration) CurrentCount() int {
	if c.ManualOverride != nil {
		return *c.ManualOverride
	}
	return c.TodayCount
}
