package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/pubsched/internal/domain"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextRun_WeeklyMondayMorningGoesToWednesday(t *testing.T) {
	w, err := domain.NewWeekly([]int{1, 3, 5}, domain.TimeOfDay{Hour: 9})
	require.NoError(t, err)

	ref := at("2026-10-12T10:00:00Z") // Monday
	got := NextRun(w, ref)

	assert.Equal(t, at("2026-10-14T09:00:00Z"), got)
	assert.Equal(t, time.Wednesday, got.Weekday())
}

func TestNextRun_WeeklyStartsTheDayAfterReference(t *testing.T) {
	w, err := domain.NewWeekly([]int{1}, domain.TimeOfDay{Hour: 9})
	require.NoError(t, err)

	// Monday 08:00: today's 09:00 slot is not considered.
	got := NextRun(w, at("2026-10-12T08:00:00Z"))
	assert.Equal(t, at("2026-10-19T09:00:00Z"), got)
}

func TestNextRun_WeeklyEmptyDaysDefaultsToMonday(t *testing.T) {
	got := NextRun(domain.Weekly{At: domain.DefaultTimeOfDay}, at("2026-10-15T12:00:00Z"))
	assert.Equal(t, time.Monday, got.Weekday())
	assert.Equal(t, 9, got.Hour())
}

func TestNextRun_WeeklyWeekdayAlwaysListed(t *testing.T) {
	w, err := domain.NewWeekly([]int{0, 2, 6}, domain.TimeOfDay{Hour: 18, Minute: 30})
	require.NoError(t, err)

	ref := at("2026-01-01T00:00:00Z")
	for i := 0; i < 400; i++ {
		got := NextRun(w, ref)
		assert.Contains(t, w.Days, got.Weekday())
		assert.True(t, got.After(ref))
		assert.Equal(t, got, NextRun(w, ref), "must be deterministic")
		ref = ref.Add(13 * time.Hour)
	}
}

func TestNextRun_MonthlyClampsToMonthLength(t *testing.T) {
	m, err := domain.NewMonthly(31, domain.TimeOfDay{Hour: 9})
	require.NoError(t, err)

	assert.Equal(t, at("2026-02-28T09:00:00Z"), NextRun(m, at("2026-01-31T12:00:00Z")))
	assert.Equal(t, at("2024-02-29T09:00:00Z"), NextRun(m, at("2024-01-15T12:00:00Z")))
	assert.Equal(t, at("2027-01-31T09:00:00Z"), NextRun(m, at("2026-12-05T12:00:00Z")))

	ref := at("2026-01-01T00:00:00Z")
	for i := 0; i < 36; i++ {
		got := NextRun(m, ref)
		assert.LessOrEqual(t, got.Day(), DaysIn(got.Year(), got.Month(), time.UTC))
		ref = got
	}
}

func TestNextRun_DateRangeStopsAtEnd(t *testing.T) {
	r := domain.DateRange{End: at("2026-10-14T08:00:00Z"), At: domain.TimeOfDay{Hour: 9}}

	assert.Equal(t, at("2026-10-13T09:00:00Z"), NextRun(r, at("2026-10-12T10:00:00Z")))
	assert.Equal(t, r.End, NextRun(r, at("2026-10-13T09:00:00Z")))

	_, ok := Following(r, r.End)
	assert.False(t, ok, "range is exhausted once the end is reached")
}

func TestNextRun_OnceReturnsStoredTime(t *testing.T) {
	ref := at("2026-10-12T10:00:00Z")
	assert.Equal(t, ref, NextRun(domain.Once{}, ref))
	_, ok := Following(domain.Once{}, ref)
	assert.False(t, ok)
}

func TestAdvance_SkipsMissedOccurrences(t *testing.T) {
	w, err := domain.NewWeekly([]int{1, 3, 5}, domain.TimeOfDay{Hour: 9})
	require.NoError(t, err)

	stale := at("2026-09-07T09:00:00Z") // Monday, weeks ago
	now := at("2026-10-15T12:00:00Z")   // Thursday

	next, ok := Advance(w, stale, now)
	require.True(t, ok)
	assert.Equal(t, at("2026-10-16T09:00:00Z"), next)
}

func TestAdvance_ExhaustedRange(t *testing.T) {
	r := domain.DateRange{End: at("2026-10-10T09:00:00Z"), At: domain.TimeOfDay{Hour: 9}}
	_, ok := Advance(r, at("2026-10-01T09:00:00Z"), at("2026-10-15T12:00:00Z"))
	assert.False(t, ok)
}

func TestFirst_CountsTodaysSlotWhenAhead(t *testing.T) {
	w, err := domain.NewWeekly([]int{1}, domain.TimeOfDay{Hour: 9})
	require.NoError(t, err)

	got, ok := First(w, at("2026-10-12T08:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, at("2026-10-12T09:00:00Z"), got)

	got, ok = First(w, at("2026-10-12T09:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, at("2026-10-19T09:00:00Z"), got)
}

func TestFirst_MonthlyThisMonthOrNext(t *testing.T) {
	m, err := domain.NewMonthly(31, domain.TimeOfDay{Hour: 9})
	require.NoError(t, err)

	got, ok := First(m, at("2026-11-05T12:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, at("2026-11-30T09:00:00Z"), got)

	got, ok = First(m, at("2026-11-30T10:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, at("2026-12-31T09:00:00Z"), got)
}

func TestFirst_DateRangeEnded(t *testing.T) {
	r := domain.DateRange{End: at("2026-10-14T00:00:00Z"), At: domain.TimeOfDay{Hour: 9}}

	got, ok := First(r, at("2026-10-13T08:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, at("2026-10-13T09:00:00Z"), got)

	_, ok = First(r, at("2026-10-13T10:00:00Z"))
	assert.False(t, ok)

	_, ok = First(domain.Once{}, at("2026-10-13T10:00:00Z"))
	assert.False(t, ok)
}
