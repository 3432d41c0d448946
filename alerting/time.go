package alerting

import (
	"time"
)

// =============================================================================
// CALENDAR DATES - All anchor and send dates are UTC midnights
// =============================================================================

const cycleKeyLayout = "2006-01-02"

// Date returns the UTC midnight of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to its calendar day, read in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return Date(y, m, d)
}

// CycleKey identifies the billing cycle anchored at the given date.
func CycleKey(anchor time.Time) string {
	return DateOf(anchor).Format(cycleKeyLayout)
}

func DaysIn(year int, month time.Month) int {
	return EndOfMonth(year, month).Day()
}

func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// =============================================================================
// OFFSET ARITHMETIC
// =============================================================================

// SubtractDays moves back n calendar days.
func SubtractDays(t time.Time, n int) time.Time { return DateOf(t).AddDate(0, 0, -n) }

// SubtractWeeks moves back n*7 calendar days.
func SubtractWeeks(t time.Time, n int) time.Time { return SubtractDays(t, 7*n) }

// SubtractMonths moves back n calendar months, clamping to the last day of
// the resulting month when the day-of-month does not exist there:
// Jan 31 - 1 month is Dec 31, Mar 31 - 1 month is Feb 28 (or 29).
// time.AddDate would normalize Feb 31 into March instead.
func SubtractMonths(t time.Time, n int) time.Time {
	y, m, d := DateOf(t).Date()
	first := time.Date(y, m-time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := DaysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return Date(first.Year(), first.Month(), d)
}

// SubtractOffset applies quantity*unit backwards from t.
func SubtractOffset(t time.Time, quantity int, unit Unit) (time.Time, error) {
	if quantity < 1 {
		return time.Time{}, &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}
	switch unit {
	case UnitDay:
		return SubtractDays(t, quantity), nil
	case UnitWeek:
		return SubtractWeeks(t, quantity), nil
	case UnitMonth:
		return SubtractMonths(t, quantity), nil
	default:
		return time.Time{}, &ValidationError{Field: "unit", Message: "must be one of day, week, month"}
	}
}
