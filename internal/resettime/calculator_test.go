package resettime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mabry/pomosync/internal/models"
)

func mustHour(t *testing.T, h int) models.ResetSpec {
	t.Helper()
	spec, err := models.HourSpec(h)
	require.NoError(t, err)
	return spec
}

func mustCustom(t *testing.T, hhmm string) models.ResetSpec {
	t.Helper()
	spec, err := models.CustomSpec(hhmm)
	require.NoError(t, err)
	return spec
}

func TestNextResetAfter_BeforeTodaysInstant(t *testing.T) {
	// 11:30Z is 06:30 in New York; the 07:00 reset is still ahead today.
	now := time.Date(2025, time.January, 7, 11, 30, 0, 0, time.UTC)

	next, err := NextResetAfter(mustHour(t, 7), "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.January, 7, 12, 0, 0, 0, time.UTC), next)
}

func TestNextResetAfter_PastTodaysInstant(t *testing.T) {
	// 12:30Z is 07:30 local; today's 07:00 already fired, expect tomorrow.
	now := time.Date(2025, time.January, 7, 12, 30, 0, 0, time.UTC)

	next, err := NextResetAfter(mustHour(t, 7), "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.January, 8, 12, 0, 0, 0, time.UTC), next)
}

func TestNextResetAfter_ExactlyAtInstant(t *testing.T) {
	// A candidate equal to now must advance to the next day.
	now := time.Date(2025, time.January, 7, 12, 0, 0, 0, time.UTC)

	next, err := NextResetAfter(mustHour(t, 7), "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.January, 8, 12, 0, 0, 0, time.UTC), next)
}

func TestNextResetAfter_Midnight(t *testing.T) {
	now := time.Date(2025, time.June, 10, 22, 0, 0, 0, time.UTC)

	next, err := NextResetAfter(models.Midnight(), "Europe/Berlin", now)
	require.NoError(t, err)

	local := next.In(mustLoc(t, "Europe/Berlin"))
	assert.Equal(t, 0, local.Hour())
	assert.Equal(t, 0, local.Minute())
	assert.True(t, next.After(now))
	// 22:00Z on Jun 10 is already Jun 11 00:00 CEST; next midnight is Jun 12.
	assert.Equal(t, 12, local.Day())
}

func TestNextResetAfter_SpringForwardGap(t *testing.T) {
	// US DST starts 2025-03-09; 02:00-02:59 local does not exist.
	// A 02:30 reset must round forward to 03:00 EDT = 07:00Z.
	now := time.Date(2025, time.March, 9, 5, 0, 0, 0, time.UTC) // 00:00 EST

	next, err := NextResetAfter(mustCustom(t, "02:30"), "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.March, 9, 7, 0, 0, 0, time.UTC), next)

	local := next.In(mustLoc(t, "America/New_York"))
	assert.Equal(t, 3, local.Hour())
	assert.Equal(t, 0, local.Minute())
}

func TestNextResetAfter_FallBackAmbiguity(t *testing.T) {
	// US DST ends 2025-11-02; 01:30 local occurs twice. The earlier,
	// pre-transition occurrence (EDT, 05:30Z) must win deterministically.
	now := time.Date(2025, time.November, 2, 4, 0, 0, 0, time.UTC) // 00:00 EDT

	next, err := NextResetAfter(mustCustom(t, "01:30"), "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.November, 2, 5, 30, 0, 0, time.UTC), next)
}

func TestNextResetAfter_WallClockStableAcrossTransition(t *testing.T) {
	// A 07:00 reset keeps firing at 07:00 local on both sides of the
	// spring transition even though the UTC instant shifts by an hour.
	spec := mustHour(t, 7)
	tz := "America/New_York"
	loc := mustLoc(t, tz)

	before := time.Date(2025, time.March, 8, 13, 0, 0, 0, time.UTC) // 08:00 EST
	next1, err := NextResetAfter(spec, tz, before)
	require.NoError(t, err)
	// Mar 9 is the transition day: 07:00 EDT = 11:00Z.
	assert.Equal(t, time.Date(2025, time.March, 9, 11, 0, 0, 0, time.UTC), next1)

	next2, err := NextResetAfter(spec, tz, next1)
	require.NoError(t, err)
	assert.Equal(t, 7, next2.In(loc).Hour())
	assert.Equal(t, time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC), next2)
}

func TestNextResetAfter_MonthRollover(t *testing.T) {
	now := time.Date(2025, time.January, 31, 23, 50, 0, 0, time.UTC)

	next, err := NextResetAfter(models.Midnight(), "UTC", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextResetAfter_InvalidInputs(t *testing.T) {
	now := time.Now().UTC()

	_, err := NextResetAfter(models.Midnight(), "Not/A/Zone", now)
	require.Error(t, err)

	_, err = NextResetAfter(models.ResetSpec{Kind: "WEEKLY"}, "UTC", now)
	require.Error(t, err)
}

func TestCronExpression(t *testing.T) {
	assert.Equal(t, "0 0 * * *", models.Midnight().CronExpression())
	assert.Equal(t, "0 7 * * *", mustHour(t, 7).CronExpression())
	assert.Equal(t, "45 21 * * *", mustCustom(t, "21:45").CronExpression())
}

func mustLoc(t *testing.T, tz string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	require.NoError(t, err)
	return loc
}
