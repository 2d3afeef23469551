package utils

import "time"

// NowUTC returns current time in UTC timezone.
// All persisted timestamps use UTC so comparisons against rows written
// by earlier process runs stay consistent across host timezones.
func NowUTC() time.Time {
	return time.Now().UTC()
}
