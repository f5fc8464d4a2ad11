// Package duration parses the compact duration strings used in route
// configuration, rate-limit windows and paid-session lifetimes.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidDuration is returned for any string that is not an integer
// magnitude followed by exactly one of the units s, m, h or d.
var ErrInvalidDuration = fmt.Errorf("duration: invalid duration string")

var durationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

var unitMillis = map[string]int64{
	"s": 1000,
	"m": 60_000,
	"h": 3_600_000,
	"d": 86_400_000,
}

// Parse converts a compact duration string ("30s", "5m", "1h", "1d")
// into a time.Duration. Plain integers without a unit, unknown units and
// anything else non-matching fail with ErrInvalidDuration wrapping the
// original input.
func Parse(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return time.Duration(n*unitMillis[m[2]]) * time.Millisecond, nil
}
