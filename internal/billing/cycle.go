package billing

import (
	"fmt"
	"time"
)

// Cycle is the recurrence unit governing when a subscription charges again.
type Cycle string

const (
	Daily   Cycle = "daily"
	Weekly  Cycle = "weekly"
	Monthly Cycle = "monthly"
	Yearly  Cycle = "yearly"
)

func ParseCycle(s string) (Cycle, error) {
	switch Cycle(s) {
	case Daily, Weekly, Monthly, Yearly:
		return Cycle(s), nil
	}
	return "", fmt.Errorf("unknown billing cycle %q", s)
}

// Advance returns the next billing date after t for the given cycle.
// Monthly and yearly advancement clamp the day-of-month to the target
// month's length (Jan 31 -> Feb 28/29), so the result is always a real
// calendar date strictly after t.
func Advance(t time.Time, c Cycle) time.Time {
	switch c {
	case Daily:
		return t.AddDate(0, 0, 1)
	case Weekly:
		return t.AddDate(0, 0, 7)
	case Yearly:
		return addMonthsClamped(t, 12)
	default: // monthly
		return addMonthsClamped(t, 1)
	}
}

// AdvancePast advances t repeatedly until it is strictly after now.
// Used when the service was dormant through one or more billing cycles:
// the billing date catches up in one step instead of replaying a backlog.
func AdvancePast(t time.Time, c Cycle, now time.Time) time.Time {
	next := Advance(t, c)
	for !next.After(now) {
		next = Advance(next, c)
	}
	return next
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// day 0 of the next month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
