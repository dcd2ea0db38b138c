// Package recurrence computes run times for schedule descriptors. Every
// function here is pure: results depend only on the arguments, and the
// time-of-day is applied in the location of the reference time.
package recurrence

import (
	"time"

	"github.com/SirClappington/pubsched/internal/domain"
)

const maxAdvanceSteps = 4096

// NextRun maps a descriptor and a reference time to the next eligible run.
//
//   - Once returns ref unchanged (callers pass the stored time).
//   - Weekly scans forward from the day after ref to the first listed weekday.
//   - Monthly moves to the configured day of the following calendar month,
//     clamped to that month's last day.
//   - DateRange moves one day forward and stops at the range end.
func NextRun(s domain.Schedule, ref time.Time) time.Time {
	switch v := s.(type) {
	case domain.Once:
		return ref
	case domain.Weekly:
		return nextWeekly(v, ref)
	case domain.Monthly:
		return nextMonthly(v, ref)
	case domain.DateRange:
		return nextInRange(v, ref)
	}
	return ref
}

// First returns the first occurrence strictly after now for a newly
// scheduled recurring item. Unlike NextRun, today's slot counts when it is
// still ahead. ok is false for Once and for ranges that already ended.
func First(s domain.Schedule, now time.Time) (time.Time, bool) {
	switch v := s.(type) {
	case domain.Weekly:
		for _, wd := range weekdays(v) {
			if c := v.At.On(now); now.Weekday() == wd && c.After(now) {
				return c, true
			}
		}
		return nextWeekly(v, now), true
	case domain.Monthly:
		y, m, _ := now.Date()
		day := v.Day
		if last := DaysIn(y, m, now.Location()); day > last {
			day = last
		}
		if c := v.At.On(time.Date(y, m, day, 0, 0, 0, 0, now.Location())); c.After(now) {
			return c, true
		}
		return nextMonthly(v, now), true
	case domain.DateRange:
		c := v.At.On(now)
		if !c.After(now) {
			c = v.At.On(now.AddDate(0, 0, 1))
		}
		if c.After(v.End) {
			return time.Time{}, false
		}
		return c, true
	}
	return time.Time{}, false
}

func weekdays(w domain.Weekly) []time.Weekday {
	if len(w.Days) == 0 {
		return []time.Weekday{time.Monday}
	}
	return w.Days
}

func nextWeekly(w domain.Weekly, ref time.Time) time.Time {
	days := weekdays(w)
	d := ref.AddDate(0, 0, 1)
	for i := 0; i < 7; i++ {
		for _, wd := range days {
			if d.Weekday() == wd {
				return w.At.On(d)
			}
		}
		d = d.AddDate(0, 0, 1)
	}
	// unreachable with valid weekdays
	return w.At.On(d)
}

func nextMonthly(m domain.Monthly, ref time.Time) time.Time {
	y, mon, _ := ref.Date()
	// day 1 avoids AddDate normalising Jan 31 + 1 month into March
	first := time.Date(y, mon, 1, 0, 0, 0, 0, ref.Location()).AddDate(0, 1, 0)
	day := m.Day
	if last := DaysIn(first.Year(), first.Month(), ref.Location()); day > last {
		day = last
	}
	return m.At.On(time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, ref.Location()))
}

func nextInRange(r domain.DateRange, ref time.Time) time.Time {
	next := r.At.On(ref.AddDate(0, 0, 1))
	if next.After(r.End) {
		return r.End
	}
	return next
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Following returns the occurrence after at. ok is false for one-shot
// schedules and for recurrences that have run out.
func Following(s domain.Schedule, at time.Time) (time.Time, bool) {
	if s == nil || s.Pattern() == domain.PatternOnce {
		return time.Time{}, false
	}
	next := NextRun(s, at)
	if !next.After(at) {
		return time.Time{}, false
	}
	return next, true
}

// Advance walks occurrences forward from at until one lies strictly after
// now. ok is false when the recurrence ends first.
func Advance(s domain.Schedule, at, now time.Time) (time.Time, bool) {
	cur := at
	for i := 0; i < maxAdvanceSteps; i++ {
		next, ok := Following(s, cur)
		if !ok {
			return time.Time{}, false
		}
		if next.After(now) {
			return next, true
		}
		cur = next
	}
	return Following(s, now)
}
