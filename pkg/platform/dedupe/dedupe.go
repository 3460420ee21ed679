// Package dedupe removes repeated values from request-supplied lists.
package dedupe

import "strings"

// Values removes duplicates from values. Order of first occurrence is
// preserved.
//
// Example:
//
//	Values([]int64{3, 1, 3, 2, 1})
//	// Returns: []int64{3, 1, 2}
func Values[T comparable](values []T) []T {
	if len(values) == 0 {
		return values
	}

	seen := make(map[T]struct{}, len(values))
	result := make([]T, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// Emails trims and lowercases each address, dropping empty and repeated ones.
//
// Example:
//
//	Emails([]string{"  A@x ", "b@x", "a@X", ""})
//	// Returns: []string{"a@x", "b@x"}
func Emails(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		email := strings.ToLower(strings.TrimSpace(v))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; !ok {
			seen[email] = struct{}{}
			result = append(result, email)
		}
	}
	return result
}
