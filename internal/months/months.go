// Package months implements calendar-month arithmetic on "YYYY-MM" keys.
// All computations are UTC; lexicographic order of keys equals calendar
// order, which the cursor and leaderboard code rely on.
package months

import (
	"fmt"
	"time"
)

const keyLayout = "2006-01"

// Of returns the month key for t in UTC.
func Of(t time.Time) string {
	return t.UTC().Format(keyLayout)
}

// OfUnix returns the month key for a unix timestamp, or "" for ts <= 0.
func OfUnix(ts int64) string {
	if ts <= 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(keyLayout)
}

// Parse validates a "YYYY-MM" key and returns the first instant of the month.
func Parse(key string) (time.Time, error) {
	t, err := time.ParseInLocation(keyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q: %w", key, err)
	}
	return t, nil
}

// First returns the first instant of t's month in UTC.
func First(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Next returns the key of the month following key.
func Next(key string) (string, error) {
	t, err := Parse(key)
	if err != nil {
		return "", err
	}
	return Of(t.AddDate(0, 1, 0)), nil
}

// Prev returns the key of the month preceding key.
func Prev(key string) (string, error) {
	t, err := Parse(key)
	if err != nil {
		return "", err
	}
	return Of(t.AddDate(0, -1, 0)), nil
}

// In enumerates the months whose first day falls inside [since, until).
func In(since, until time.Time) []string {
	var out []string
	cur := First(since)
	for cur.Before(until.UTC()) {
		out = append(out, Of(cur))
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// Span enumerates keys from start to end inclusive. Returns nil when
// end < start or either key is malformed.
func Span(start, end string) []string {
	startT, err := Parse(start)
	if err != nil {
		return nil
	}
	endT, err := Parse(end)
	if err != nil {
		return nil
	}
	var out []string
	for cur := startT; !cur.After(endT); cur = cur.AddDate(0, 1, 0) {
		out = append(out, Of(cur))
	}
	return out
}
