// Package duration provides human-readable duration parsing and formatting.
// It extends Go's standard time.ParseDuration with support for days and weeks,
// which configuration values like segment retention commonly use.
//
// Supported units (case-insensitive): ns, us/µs, ms, s, m, h, d (24h), w (7d).
//
// Examples:
//   - "30s"    = 30 seconds
//   - "90m"    = 90 minutes
//   - "2d12h"  = 2 days, 12 hours
//   - "1w"     = 1 week
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

// segmentRe matches a single value+unit segment, e.g. "2d" or "12h".
var segmentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-zµ]+)`)

// unitValues maps unit names to their duration.
var unitValues = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  Day,
	"w":  Week,
}

// Parse parses a duration string with extended day/week units.
// Plain Go durations ("30s", "1h30m") parse unchanged.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Fast path: standard Go syntax.
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	matches := segmentRe.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	// Reject strings with content outside the matched segments.
	if strings.Join(flatten(matches), "") != strings.ReplaceAll(s, " ", "") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value %q: %w", m[1], err)
		}
		unit, ok := unitValues[m[2]]
		if !ok {
			return 0, fmt.Errorf("unknown duration unit %q", m[2])
		}
		total += time.Duration(value * float64(unit))
	}
	return total, nil
}

func flatten(matches [][]string) []string {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m[0])
	}
	return parts
}

// Format renders a duration using the largest whole units, e.g. "2d12h" or "45s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	neg := d < 0
	if neg {
		d = -d
	}

	var b strings.Builder
	write := func(n int64, unit string) {
		if n > 0 {
			fmt.Fprintf(&b, "%d%s", n, unit)
		}
	}

	write(int64(d/Week), "w")
	d %= Week
	write(int64(d/Day), "d")
	d %= Day
	write(int64(d/time.Hour), "h")
	d %= time.Hour
	write(int64(d/time.Minute), "m")
	d %= time.Minute

	// Sub-minute remainder uses Go's own formatting for fractional seconds.
	if d > 0 {
		b.WriteString(d.String())
	}

	out := b.String()
	if neg {
		return "-" + out
	}
	return out
}
