// Package recurrence validates recurrence ids against series masters and
// rewrites recurrence rules, backed by rrule-go.
package recurrence

import (
	"time"

	"github.com/cyp0633/libitip/calendar"
)

// RecurrenceInfo contains all recurrence-related information for an event
type RecurrenceInfo struct {
	RRULE  string      // The RRULE string (without "RRULE:" prefix)
	RDATE  []time.Time // Additional occurrences
	EXDATE []time.Time // Exception dates (excluded occurrences)
}

// InfoFromEvent extracts the recurrence definition of a series master.
// Change exception dates are not excluded: those occurrences still exist.
func InfoFromEvent(master calendar.Event) RecurrenceInfo {
	info := RecurrenceInfo{RRULE: master.RecurrenceRule}
	for _, rdate := range master.RecurrenceDates {
		info.RDATE = append(info.RDATE, rdate.Value)
	}
	for _, rid := range master.DeleteExceptionDates {
		info.EXDATE = append(info.EXDATE, rid.Value)
	}
	return info
}
