// Package version parses and compares the dotted numeric versions mods declare.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// maxParts is the longest version accepted (major.minor.build.revision).
const maxParts = 4

// Version is a dotted numeric version with one to four components
type Version struct {
	parts []int
}

// Parse extracts version components from a string such as "1.2", "v2.0.1" or "3.1.0.4".
// Surrounding whitespace and a leading "v" are ignored.
func Parse(s string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "v"), "V")
	if trimmed == "" {
		return Version{}, fmt.Errorf("invalid version %q: empty", s)
	}

	fields := strings.Split(trimmed, ".")
	if len(fields) > maxParts {
		return Version{}, fmt.Errorf("invalid version %q: more than %d components", s, maxParts)
	}

	parts := make([]int, len(fields))
	for i, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 || strings.HasPrefix(field, "+") {
			return Version{}, fmt.Errorf("invalid version %q: component %q is not a number", s, field)
		}
		parts[i] = n
	}
	return Version{parts: parts}, nil
}

// String returns the version in dotted form
func (v Version) String() string {
	fields := make([]string, len(v.parts))
	for i, p := range v.parts {
		fields[i] = strconv.Itoa(p)
	}
	return strings.Join(fields, ".")
}

// Compare returns -1, 0 or +1. Missing trailing components count as zero, so 1.2 == 1.2.0.
func (v Version) Compare(other Version) int {
	for i := 0; i < maxParts; i++ {
		a, b := v.part(i), other.part(i)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v Version) part(i int) int {
	if i < len(v.parts) {
		return v.parts[i]
	}
	return 0
}

// IsNewer reports whether server is strictly newer than local.
// An error is returned when either side cannot be parsed.
func IsNewer(server, local string) (bool, error) {
	sv, err := Parse(server)
	if err != nil {
		return false, fmt.Errorf("server version: %w", err)
	}
	lv, err := Parse(local)
	if err != nil {
		return false, fmt.Errorf("local version: %w", err)
	}
	return sv.Compare(lv) > 0, nil
}

// Normalize appends ".0" to a bare integer version ("2" -> "2.0") the way mod descriptors expect.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if _, err := strconv.Atoi(s); err == nil {
		return s + ".0"
	}
	return s
}
