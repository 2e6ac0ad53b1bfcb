// Package kst derives the Korea Standard Time timestamps and date strings the KMA
// API hub expects. All functions use a fixed UTC+9 offset; KST has no daylight saving
// and the process timezone database is never consulted.
package kst

import (
	"fmt"
	"time"
)

// Location is the fixed UTC+9 zone.
var Location = time.FixedZone("KST", 9*60*60)

const (
	compactLayout = "200601021504"
	dateLayout    = "20060102"

	// forecastBaseHour is the first hour of the day a new village-forecast run is published.
	forecastBaseHour = 5
)

// nowFunc is replaced in tests.
var nowFunc = time.Now

// Now returns the current wall-clock time in KST regardless of the process timezone.
func Now() time.Time {
	return nowFunc().In(Location)
}

// ClosestPastHour returns the top of the hour whose observations KMA has published.
// Throughout minute zero (HH:00:00 to HH:00:59) that is the previous hour.
func ClosestPastHour(now time.Time) time.Time {
	t := now.In(Location)
	if t.Minute() == 0 {
		t = t.Add(-time.Hour)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, Location)
}

// FormatCompact renders t as YYYYMMDDHHMM in KST.
func FormatCompact(t time.Time) string {
	return t.In(Location).Format(compactLayout)
}

// ParseCompact parses a YYYYMMDDHHMM string as a KST timestamp.
func ParseCompact(s string) (time.Time, error) {
	t, err := time.ParseInLocation(compactLayout, s, Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse compact timestamp %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders the KST civil date of t as YYYYMMDD.
func FormatDate(t time.Time) string {
	return t.In(Location).Format(dateLayout)
}

// TodayDateString returns the KST civil date containing now as YYYYMMDD.
func TodayDateString(now time.Time) string {
	return FormatDate(now)
}

// Today returns TodayDateString for the current time.
func Today() string {
	return TodayDateString(Now())
}

// FutureDateStrings returns n consecutive KST civil dates starting with today, ascending.
func FutureDateStrings(now time.Time, n int) []string {
	if n <= 0 {
		return []string{}
	}
	t := now.In(Location)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Location)
	out := make([]string, n)
	for i := range out {
		out[i] = midnight.AddDate(0, 0, i).Format(dateLayout)
	}
	return out
}

// AdjustedBaseDate returns the base date of the latest published village-forecast run:
// today, or yesterday when the KST hour is before 05:00.
func AdjustedBaseDate(now time.Time) string {
	t := now.In(Location)
	if t.Hour() < forecastBaseHour {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format(dateLayout)
}

// Age returns how long before now the instant t happened. Negative when t is in the future.
func Age(now, t time.Time) time.Duration {
	return now.Sub(t)
}
