package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

type Pattern string

const (
	PatternOnce      Pattern = "ONCE"
	PatternWeekly    Pattern = "WEEKLY"
	PatternMonthly   Pattern = "MONTHLY"
	PatternDateRange Pattern = "DATE_RANGE"
)

// Schedule is the recurrence descriptor. The concrete types are Once, Weekly,
// Monthly and DateRange; pattern-specific fields exist only on their own type.
type Schedule interface {
	Pattern() Pattern
	isSchedule()
}

type Once struct{}

type Weekly struct {
	Days []time.Weekday
	At   TimeOfDay
}

type Monthly struct {
	Day int
	At  TimeOfDay
}

type DateRange struct {
	End time.Time
	At  TimeOfDay
}

func (Once) Pattern() Pattern      { return PatternOnce }
func (Weekly) Pattern() Pattern    { return PatternWeekly }
func (Monthly) Pattern() Pattern   { return PatternMonthly }
func (DateRange) Pattern() Pattern { return PatternDateRange }

func (Once) isSchedule()      {}
func (Weekly) isSchedule()    {}
func (Monthly) isSchedule()   {}
func (DateRange) isSchedule() {}

type TimeOfDay struct {
	Hour   int
	Minute int
}

var DefaultTimeOfDay = TimeOfDay{Hour: 9}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if s == "" {
		return DefaultTimeOfDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, errors.Wrapf(err, "parse time of day %q", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On returns the instant at this time of day on d's calendar date, in d's location.
func (t TimeOfDay) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, t.Hour, t.Minute, 0, 0, d.Location())
}

func CloneSchedule(s Schedule) Schedule {
	if w, ok := s.(Weekly); ok {
		w.Days = append([]time.Weekday(nil), w.Days...)
		return w
	}
	return s
}

// scheduleJSON is the persisted shape of a Schedule.
type scheduleJSON struct {
	Pattern    Pattern `json:"pattern"`
	DaysOfWeek []int   `json:"days_of_week,omitempty"`
	DayOfMonth int     `json:"day_of_month,omitempty"`
	EndDate    string  `json:"end_date,omitempty"`
	Time       string  `json:"time,omitempty"`
}

func EncodeSchedule(s Schedule) ([]byte, error) {
	var out scheduleJSON
	switch v := s.(type) {
	case nil:
		return nil, nil
	case Once:
		out.Pattern = PatternOnce
	case Weekly:
		out.Pattern = PatternWeekly
		for _, d := range v.Days {
			out.DaysOfWeek = append(out.DaysOfWeek, int(d))
		}
		out.Time = v.At.String()
	case Monthly:
		out.Pattern = PatternMonthly
		out.DayOfMonth = v.Day
		out.Time = v.At.String()
	case DateRange:
		out.Pattern = PatternDateRange
		out.EndDate = v.End.UTC().Format(time.RFC3339)
		out.Time = v.At.String()
	default:
		return nil, errors.Errorf("unknown schedule type %T", s)
	}
	return json.Marshal(out)
}

func DecodeSchedule(b []byte) (Schedule, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var in scheduleJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, errors.Wrap(err, "decode schedule")
	}
	at, err := ParseTimeOfDay(in.Time)
	if err != nil {
		return nil, err
	}
	switch in.Pattern {
	case PatternOnce:
		return Once{}, nil
	case PatternWeekly:
		return NewWeekly(in.DaysOfWeek, at)
	case PatternMonthly:
		return NewMonthly(in.DayOfMonth, at)
	case PatternDateRange:
		end, err := time.Parse(time.RFC3339, in.EndDate)
		if err != nil {
			return nil, errors.Wrap(err, "decode end date")
		}
		return DateRange{End: end, At: at}, nil
	}
	return nil, errors.Errorf("unknown schedule pattern %q", in.Pattern)
}

// NewWeekly validates days (0=Sunday..6=Saturday), defaults to Monday when
// empty, and stores them sorted and de-duplicated.
func NewWeekly(days []int, at TimeOfDay) (Weekly, error) {
	if len(days) == 0 {
		return Weekly{Days: []time.Weekday{time.Monday}, At: at}, nil
	}
	seen := make(map[int]bool, len(days))
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			return Weekly{}, &ValidationError{Field: "daysOfWeek", Reason: fmt.Sprintf("day %d out of range 0-6", d)}
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, time.Weekday(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return Weekly{Days: out, At: at}, nil
}

func NewMonthly(day int, at TimeOfDay) (Monthly, error) {
	if day < 1 || day > 31 {
		return Monthly{}, &ValidationError{Field: "dayOfMonth", Reason: fmt.Sprintf("day %d out of range 1-31", day)}
	}
	return Monthly{Day: day, At: at}, nil
}
