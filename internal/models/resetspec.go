package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// ResetSpecKind discriminates the reset specification variants.
type ResetSpecKind string

const (
	ResetSpecMidnight ResetSpecKind = "MIDNIGHT"
	ResetSpecHour     ResetSpecKind = "HOUR"
	ResetSpecCustom   ResetSpecKind = "CUSTOM"
)

// ResetSpec is the tagged reset specification: Midnight, Hour(0..23) or
// Custom(HH:MM). Hour and Minute are only meaningful for the kind that
// carries them; constructors keep the invariants, so prefer them over
// struct literals.
type ResetSpec struct {
	Kind   ResetSpecKind `json:"kind"`
	Hour   int           `json:"hour,omitempty"`
	Minute int           `json:"minute,omitempty"`
}

var customTimeRe = regexp.MustCompile(`^(\d{2}):(\d{2})$`)

// Midnight returns the midnight reset spec.
func Midnight() ResetSpec {
	return ResetSpec{Kind: ResetSpecMidnight}
}

// HourSpec returns a reset spec firing at the top of the given hour.
func HourSpec(hour int) (ResetSpec, error) {
	if hour < 0 || hour > 23 {
		return ResetSpec{}, fmt.Errorf("reset hour %d out of range 0-23", hour)
	}
	return ResetSpec{Kind: ResetSpecHour, Hour: hour}, nil
}

// CustomSpec parses an "HH:MM" string into a custom reset spec.
func CustomSpec(hhmm string) (ResetSpec, error) {
	m := customTimeRe.FindStringSubmatch(hhmm)
	if m == nil {
		return ResetSpec{}, fmt.Errorf("custom reset time %q does not match HH:MM", hhmm)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 {
		return ResetSpec{}, fmt.Errorf("custom reset hour %d out of range 0-23", hour)
	}
	if minute > 59 {
		return ResetSpec{}, fmt.Errorf("custom reset minute %d out of range 0-59", minute)
	}
	return ResetSpec{Kind: ResetSpecCustom, Hour: hour, Minute: minute}, nil
}

// Wallclock returns the local wall-clock hour and minute the spec fires at.
func (s ResetSpec) Wallclock() (hour, minute int) {
	switch s.Kind {
	case ResetSpecHour:
		return s.Hour, 0
	case ResetSpecCustom:
		return s.Hour, s.Minute
	default:
		return 0, 0
	}
}

// Validate checks the spec invariants after decode from JSON or storage.
func (s ResetSpec) Validate() error {
	switch s.Kind {
	case ResetSpecMidnight:
		return nil
	case ResetSpecHour:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("reset hour %d out of range 0-23", s.Hour)
		}
		return nil
	case ResetSpecCustom:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("custom reset hour %d out of range 0-23", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("custom reset minute %d out of range 0-59", s.Minute)
		}
		return nil
	default:
		return fmt.Errorf("unknown reset spec kind %q", s.Kind)
	}
}

// CronExpression renders the spec as a daily cron line. Operational
// visibility only; nothing parses this back.
func (s ResetSpec) CronExpression() string {
	hour, minute := s.Wallclock()
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// String renders the spec for logs.
func (s ResetSpec) String() string {
	switch s.Kind {
	case ResetSpecMidnight:
		return "midnight"
	case ResetSpecHour:
		return fmt.Sprintf("hour(%d)", s.Hour)
	case ResetSpecCustom:
		return fmt.Sprintf("custom(%02d:%02d)", s.Hour, s.Minute)
	default:
		return string(s.Kind)
	}
}

// MarshalJSON keeps stored specs round-trippable.
func (s ResetSpec) MarshalJSON() ([]byte, error) {
	type alias ResetSpec
	return json.Marshal(alias(s))
}

// UnmarshalJSON decodes and validates a stored spec.
func (s *ResetSpec) UnmarshalJSON(data []byte) error {
	type alias ResetSpec
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = ResetSpec(a)
	return s.Validate()
}
