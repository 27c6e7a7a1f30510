package reminder

import "time"

// FireTime derives a reminder's fire time as leadDays before the next
// billing date. Callers must suppress reminder creation for leadDays <= 0
// instead of calling this; a reminder dated at or after its own billing
// date is meaningless. The result may be in the past, in which case the
// dispatcher fires it immediately rather than dropping it.
func FireTime(nextBilling time.Time, leadDays int) time.Time {
	return nextBilling.Add(-time.Duration(leadDays) * 24 * time.Hour)
}
