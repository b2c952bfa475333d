// Package timeutil parses the heterogeneous date strings found in syndication
// feeds into naive-UTC instants. "Naive UTC" means the value is always in UTC
// and carries no meaningful zone beyond that; every timestamp persisted or
// compared elsewhere in the system goes through here first.
package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadDate indicates a date string in none of the supported formats.
var ErrBadDate = errors.New("unsupported datetime format")

// rfc822Layouts cover the RSS-style formats, most-common first.
var rfc822Layouts = []string{
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// isoLayouts cover ISO-8601 variants, with and without fractional seconds
// or an explicit offset.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parse converts a feed date string to a naive-UTC time.
//
// Accepted inputs: RFC 822 style ("Wed, 21 Oct 2015 07:28:00 +0000"), the
// same with a "GMT" suffix, and ISO-8601 (including a trailing "Z"). An empty
// string yields the current time in UTC, matching feeds that declare no
// updated header. Anything else fails with ErrBadDate.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Now(), nil
	}

	candidate := s
	if strings.HasSuffix(candidate, " GMT") {
		candidate = strings.TrimSuffix(candidate, " GMT") + " +0000"
	}
	for _, layout := range rfc822Layouts {
		if t, err := time.Parse(layout, candidate); err == nil {
			return naive(t), nil
		}
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return naive(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
}

// Now returns the current instant as naive UTC.
func Now() time.Time {
	return naive(time.Now())
}

// Epoch is the sentinel watermark for a feed that has never been synced.
func Epoch() time.Time {
	return time.Unix(0, 0).UTC()
}

// naive normalizes any zone-carrying time to UTC.
func naive(t time.Time) time.Time {
	return t.UTC()
}
