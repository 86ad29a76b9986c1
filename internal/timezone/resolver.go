// Package timezone validates IANA timezone identifiers and performs
// DST-aware conversions between UTC and local wall-clock time.
package timezone

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimezone is returned for empty, malformed or unknown
// timezone identifiers.
var ErrInvalidTimezone = errors.New("invalid timezone")

// Validate checks that tz names a zone present in the IANA database.
func Validate(tz string) error {
	if tz == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidTimezone)
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	return nil
}

// Location resolves tz into a *time.Location.
func Location(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	return loc, nil
}

// Convert returns the given UTC instant expressed in the local time of tz.
func Convert(instantUTC time.Time, tz string) (time.Time, error) {
	loc, err := Location(tz)
	if err != nil {
		return time.Time{}, err
	}
	return instantUTC.In(loc), nil
}

// UTCOffsetSeconds returns the zone's UTC offset at the given instant.
func UTCOffsetSeconds(tz string, instant time.Time) (int, error) {
	loc, err := Location(tz)
	if err != nil {
		return 0, err
	}
	_, offset := instant.In(loc).Zone()
	return offset, nil
}

// ObservesDST reports whether the zone's offset differs between two
// fixed reference dates, Jan 1 and Jul 1 of the current year. Zones
// whose transitions fall outside those dates in edge years are rare
// enough that this matches what callers need it for (display only).
func ObservesDST(tz string) (bool, error) {
	loc, err := Location(tz)
	if err != nil {
		return false, err
	}
	year := time.Now().UTC().Year()
	jan := time.Date(year, time.January, 1, 12, 0, 0, 0, loc)
	jul := time.Date(year, time.July, 1, 12, 0, 0, 0, loc)
	_, janOff := jan.Zone()
	_, julOff := jul.Zone()
	return janOff != julOff, nil
}
