package scheduler

import (
	"strconv"
	"time"
)

// OneMonthTTL is the sentinel schedule value meaning "one calendar month"
// rather than that many seconds.
const OneMonthTTL = 2592000

const oneDay = 24 * time.Hour

// NextDataTimestamp computes the next logical bucket for a timestamp-anchored
// query, or nil when no bucket override applies.
//
// A numeric schedule advances the latest bucket by that many seconds, except
// the one-month sentinel which advances by a calendar month. A non-numeric
// (cron-style) schedule advances by one day, throttled to at most one new
// bucket per day regardless of cron frequency. Without prior history there
// is nothing to advance from.
func NextDataTimestamp(latest *time.Time, schedule string, now time.Time) *time.Time {
	if latest == nil {
		return nil
	}

	if ttl, err := strconv.Atoi(schedule); err == nil {
		var next time.Time
		if ttl == OneMonthTTL {
			next = latest.AddDate(0, 1, 0)
		} else {
			next = latest.Add(time.Duration(ttl) * time.Second)
		}
		return &next
	}

	if now.Sub(*latest) > oneDay {
		next := latest.AddDate(0, 0, 1)
		return &next
	}

	return nil
}
