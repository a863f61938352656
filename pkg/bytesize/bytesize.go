// Package bytesize provides human-readable byte size parsing and formatting
// using binary (1024) units.
//
// Examples:
//   - "500MB"  = 500 * 1024 * 1024 bytes
//   - "1.5 GB" = 1.5 * 1024^3 bytes
//   - "4096"   = 4096 bytes (no unit = bytes)
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size represents a byte size as int64.
type Size int64

// Common size constants using binary (1024) base.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

// unitMultipliers maps unit names to their byte multiplier.
var unitMultipliers = map[string]Size{
	"b": B, "byte": B, "bytes": B,
	"k": KB, "kb": KB, "kib": KB,
	"m": MB, "mb": MB, "mib": MB,
	"g": GB, "gb": GB, "gib": GB,
	"t": TB, "tb": TB, "tib": TB,
}

var sizeRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]*)$`)

// Parse parses a human-readable size string into a Size.
func Parse(s string) (Size, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", m[1], err)
	}

	mult := B
	if m[2] != "" {
		var ok bool
		mult, ok = unitMultipliers[m[2]]
		if !ok {
			return 0, fmt.Errorf("unknown size unit %q", m[2])
		}
	}

	return Size(value * float64(mult)), nil
}

// Format renders a size using the largest unit that keeps the value >= 1.
func Format(s Size) string {
	switch {
	case s >= TB:
		return trimZeros(fmt.Sprintf("%.1f", float64(s)/float64(TB))) + "TB"
	case s >= GB:
		return trimZeros(fmt.Sprintf("%.1f", float64(s)/float64(GB))) + "GB"
	case s >= MB:
		return trimZeros(fmt.Sprintf("%.1f", float64(s)/float64(MB))) + "MB"
	case s >= KB:
		return trimZeros(fmt.Sprintf("%.1f", float64(s)/float64(KB))) + "KB"
	default:
		return fmt.Sprintf("%dB", int64(s))
	}
}

func trimZeros(s string) string {
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// Int64 returns the size in bytes.
func (s Size) Int64() int64 { return int64(s) }

// String implements fmt.Stringer.
func (s Size) String() string { return Format(s) }
