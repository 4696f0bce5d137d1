// Package strings normalizes user-supplied string lists such as repeated CLI
// flags.
package strings

import (
	"strings"
)

// NormalizeLower trims and lowercases each element, dropping empties and
// repeats. First-seen order is kept. A nil or empty input is returned as is.
func NormalizeLower[S ~string](values []S) []S {
	if len(values) == 0 {
		return values
	}
	seen := make(map[S]struct{}, len(values))
	out := make([]S, 0, len(values))
	for _, v := range values {
		n := S(strings.ToLower(strings.TrimSpace(string(v))))
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
