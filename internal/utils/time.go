package utils

import "time"

// NowUTC returns current time in UTC timezone.
// Used throughout the codebase for consistent timestamp handling.
// This centralized function simplifies mocking in tests and ensures
// consistent UTC usage across all components.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// PeriodKey returns the daily bucket for a timestamp. Price observations are
// deduplicated to one sample per vendor per period, so two runs on the same
// day never write two samples for the same vendor.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
