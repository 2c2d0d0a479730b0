package models

import (
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"
)

// DateLayout is the layout of specific dates and achievement dates.
const DateLayout = "2006-01-02"

// LoadLocation resolves an IANA timezone name. Empty or unknown names fall
// back to UTC.
func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Location returns the profile's timezone, UTC when unset or invalid.
func (p *Profile) Location() *time.Location {
	return LoadLocation(p.Timezone)
}

// ParseLocalTime parses an "HH:MM" time of day.
func ParseLocalTime(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, ErrInvalidLocalTime
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, ErrInvalidLocalTime
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, ErrInvalidLocalTime
	}
	return hour, minute, nil
}

// StartOfWeek returns Monday 00:00 of the week containing now, in loc.
func StartOfWeek(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	return time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
}

// LocalDate formats now as a calendar date in loc.
func LocalDate(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(DateLayout)
}

// NextWeeklyOccurrence returns the first instant strictly after `after` that
// falls on weekday (0=Sunday) at hour:minute wall-clock time in loc.
func NextWeeklyOccurrence(weekday, hour, minute int, loc *time.Location, after time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	days := (weekday - int(local.Weekday()) + 7) % 7
	candidate := time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, loc)
	if !candidate.After(after) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+days+7, hour, minute, 0, 0, loc)
	}
	return candidate
}

// ExecutionTime computes when a scheduled call should next fire, strictly
// after `after`. One-off calls return their fixed instant even if it has
// passed, and ok is false in that case.
func (c *ScheduledCall) ExecutionTime(loc *time.Location, after time.Time) (t time.Time, ok bool) {
	hour, minute, err := ParseLocalTime(c.LocalTime)
	if err != nil {
		return time.Time{}, false
	}
	if c.Weekday != nil {
		return NextWeeklyOccurrence(*c.Weekday, hour, minute, loc, after), true
	}
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(DateLayout, c.SpecificDate, loc)
	if err != nil {
		return time.Time{}, false
	}
	t = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
	return t, t.After(after)
}
