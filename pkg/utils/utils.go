// Package utils provides shared utility functions for pdm.
package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SanitizeName replaces characters that are unsafe for endpoint, CDI and file
// names (colons, slashes, dots, whitespace) with hyphens.
func SanitizeName(s string) string {
	r := strings.NewReplacer(
		":", "-",
		"/", "-",
		".", "-",
		" ", "-",
		"\t", "-",
	)
	return r.Replace(s)
}

// ParseSize parses a decimal or 0x-prefixed size with an optional K or M
// suffix (binary multiples). An empty string yields def.
func ParseSize(s string, def int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult, s = 1<<20, s[:len(s)-1]
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	if v > math.MaxInt64/mult {
		return 0, fmt.Errorf("invalid size %q: overflows int64", s)
	}
	return v * mult, nil
}
