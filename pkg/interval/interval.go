// Package interval parses the human-oriented time interval syntax accepted by
// configuration options: a bare number of seconds, or a sequence of
// unit-suffixed parts ("1h30m", "2d", "45s").
package interval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrSyntax = errors.New("interval: invalid syntax")

var units = map[byte]uint64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 24 * 3600,
}

// Parse returns the interval in seconds. "0" is valid and means disabled.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrSyntax
	}

	// Bare seconds.
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}

	var total uint64
	for len(s) > 0 {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, ErrSyntax
		}
		mult, ok := units[s[i]]
		if !ok {
			return 0, fmt.Errorf("%w: unknown unit %q", ErrSyntax, s[i])
		}
		n, err := strconv.ParseUint(s[:i], 10, 64)
		if err != nil {
			return 0, ErrSyntax
		}
		total += n * mult
		s = s[i+1:]
	}
	return total, nil
}

// Format renders seconds using the largest exact units, e.g. 5400 → "1h30m".
func Format(seconds uint64) string {
	if seconds == 0 {
		return "0"
	}

	var b strings.Builder
	for _, u := range []struct {
		suffix byte
		secs   uint64
	}{{'d', 86400}, {'h', 3600}, {'m', 60}, {'s', 1}} {
		if n := seconds / u.secs; n > 0 {
			fmt.Fprintf(&b, "%d%c", n, u.suffix)
			seconds -= n * u.secs
		}
	}
	return b.String()
}
