package util

import (
	"fmt"
	"time"
)

// FormatNumber formats an int64 with K/M suffix for readability.
// Examples: 500 -> "500", 1500 -> "1.5K", 1500000 -> "1.5M"
func FormatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// FormatTime renders a timestamp the way it is stored: UTC RFC3339 with
// nanoseconds, so lexical order in SQL matches time order.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timeLayout is RFC3339Nano with fixed-width fractional seconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ParseTime parses a stored timestamp, accepting SQLite's datetime format as
// well. Returns zero time if parsing fails.
func ParseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

// FormatDateTime formats a timestamp for terminal output (2006-01-02 15:04).
func FormatDateTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}
