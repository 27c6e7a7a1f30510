package billing

import "time"

// Urgency buckets the time remaining until renewal for list styling and
// upcoming-renewal queries.
type Urgency string

const (
	Inactive    Urgency = "inactive"
	Overdue     Urgency = "overdue"
	DueToday    Urgency = "due_today"
	DueTomorrow Urgency = "due_tomorrow"
	Urgent      Urgency = "urgent"
	Normal      Urgency = "normal"
)

// Classify maps a subscription's next billing date to an urgency bucket.
// Rules apply in priority order; inactive wins over everything.
func Classify(nextBilling time.Time, isActive bool, now time.Time) Urgency {
	if !isActive {
		return Inactive
	}
	switch d := daysUntil(now, nextBilling); {
	case d < 0:
		return Overdue
	case d == 0:
		return DueToday
	case d == 1:
		return DueTomorrow
	case d <= 3:
		return Urgent
	default:
		return Normal
	}
}

// daysUntil floors toward negative infinity, so a renewal 1.5 days in the
// past yields -2, not -1. Truncating division would misclassify overdue
// items crossing midnight; every caller goes through this helper.
func daysUntil(now, then time.Time) int {
	const day = 24 * time.Hour
	diff := then.Sub(now)
	days := diff / day
	if diff < 0 && diff%day != 0 {
		days--
	}
	return int(days)
}
