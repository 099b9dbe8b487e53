package utils

import "time"

// FormatDuration renders a duration for humans (watcher backoff logs,
// trade age in notifications): Go's own Duration.String(), with the
// sign dropped.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	return d.String()
}

// UnixMillis returns the current time in Unix milliseconds, the unit
// Opportunity.NextFundingAtMs and several venues' raw funding timestamps
// use.
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis converts Unix milliseconds to a UTC time.Time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToUTC normalizes a timestamp to UTC, the timezone every component
// compares and persists in.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}
