// Package resettime computes the next UTC instant at which a user's
// daily reset should fire, given a reset spec and an IANA timezone.
package resettime

import (
	"time"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/timezone"
)

// maxGapScanMinutes bounds the forward scan out of a spring-forward
// gap. No real zone has a transition delta above 3 hours.
const maxGapScanMinutes = 3 * 60

// NextResetAfter returns the next UTC instant strictly after nowUTC at
// which the local wall-clock in tz reads the spec's reset time. The
// local wall-clock of the result matches the spec exactly even when a
// DST transition shifts the UTC offset between two computations, which
// is what separates this from adding 24 hours to the previous run.
func NextResetAfter(spec models.ResetSpec, tz string, nowUTC time.Time) (time.Time, error) {
	loc, err := timezone.Location(tz)
	if err != nil {
		return time.Time{}, err
	}
	if err := spec.Validate(); err != nil {
		return time.Time{}, err
	}

	hour, minute := spec.Wallclock()
	localNow := nowUTC.In(loc)

	cand := resolveLocal(loc, localNow.Year(), localNow.Month(), localNow.Day(), hour, minute)
	if !cand.After(nowUTC) {
		// Today's instant already passed; advance one calendar day.
		// time.Date normalizes day overflow across month boundaries.
		cand = resolveLocal(loc, localNow.Year(), localNow.Month(), localNow.Day()+1, hour, minute)
	}
	return cand.UTC(), nil
}

// resolveLocal maps a local wall-clock time to a UTC instant, resolving
// DST edge cases deterministically: an ambiguous (fall-back) time picks
// the earlier, pre-transition occurrence; a nonexistent (spring-forward)
// time rounds forward to the first valid instant after the gap.
func resolveLocal(loc *time.Location, year int, month time.Month, day, hour, minute int) time.Time {
	// Treat the wall clock as if it were UTC to get a fixed reference,
	// then try the zone offsets in force a day before and a day after.
	// Around a transition those are the only two plausible offsets.
	wall := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	_, offBefore := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, offAfter := wall.Add(24 * time.Hour).In(loc).Zone()

	early := wall.Add(-time.Duration(offBefore) * time.Second)
	late := wall.Add(-time.Duration(offAfter) * time.Second)

	earlyOK := sameWall(early.In(loc), wall)
	lateOK := sameWall(late.In(loc), wall)

	switch {
	case earlyOK && lateOK:
		// Ambiguous: the wall time occurs twice. Earlier instant wins.
		if late.Before(early) {
			return late
		}
		return early
	case earlyOK:
		return early
	case lateOK:
		return late
	}

	// Nonexistent: the wall time falls inside a spring-forward gap.
	// Round forward minute by minute until the clock reads a time that
	// actually exists; the first hit is the gap's end.
	for m := 1; m <= maxGapScanMinutes; m++ {
		next := wall.Add(time.Duration(m) * time.Minute)
		_, offB := next.Add(-24 * time.Hour).In(loc).Zone()
		_, offA := next.Add(24 * time.Hour).In(loc).Zone()
		if u := next.Add(-time.Duration(offB) * time.Second); sameWall(u.In(loc), next) {
			return u
		}
		if u := next.Add(-time.Duration(offA) * time.Second); sameWall(u.In(loc), next) {
			return u
		}
	}

	// Unreachable for IANA data; fall back to Go's own normalization.
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

// sameWall reports whether two times show the same wall-clock reading,
// ignoring location.
func sameWall(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute()
}
