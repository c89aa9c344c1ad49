// Package period computes calendar-aligned accumulation windows.
package period

import (
	"errors"
	"time"
)

// Unit is a calendar period over which consumption accumulates.
type Unit string

const (
	UnitMinute   Unit = "minute"
	UnitHour     Unit = "hour"
	UnitDay      Unit = "day"
	UnitWeek     Unit = "week"
	UnitMonth    Unit = "month"
	UnitYear     Unit = "year"
	UnitLifetime Unit = "lifetime"
)

var ErrInvalidUnit = errors.New("invalid_period_unit")

// LifetimeEnd is the exclusive end sentinel for lifetime windows.
var LifetimeEnd = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear, UnitLifetime:
		return true
	}
	return false
}

// Window returns the calendar-aligned [start, end) window containing now.
// Week windows are anchored to weekStart (0 = Sunday). Month and year
// boundaries are constructed directly so variable month lengths and leap
// years stay correct. All math is UTC.
func Window(unit Unit, now time.Time, weekStart time.Weekday) (time.Time, time.Time, error) {
	now = now.UTC()

	switch unit {
	case UnitMinute:
		start := now.Truncate(time.Minute)
		return start, start.Add(time.Minute), nil
	case UnitHour:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour), nil
	case UnitDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), nil
	case UnitWeek:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) - int(weekStart) + 7) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case UnitMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	case UnitYear:
		start := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0), nil
	case UnitLifetime:
		return time.Unix(0, 0).UTC(), LifetimeEnd, nil
	default:
		return time.Time{}, time.Time{}, ErrInvalidUnit
	}
}

// Elapsed reports whether a stored window has expired at now.
func Elapsed(end, now time.Time) bool {
	return !end.After(now.UTC())
}
