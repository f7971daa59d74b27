// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// DedupeAndTrim removes duplicates and empty strings from a slice,
// trimming whitespace from each element. Order is preserved.
//
// Example:
//
//	DedupeAndTrim([]string{"  foo ", "bar", "foo", "", "  "})
//	// Returns: []string{"foo", "bar"}
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))

	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}

	return result
}

// LeadWith returns first followed by the distinct non-empty values, with first
// never repeated. An empty first is skipped. The result is never nil.
//
// Example:
//
//	LeadWith("b", []string{"a", "b", "c", "a"})
//	// Returns: []string{"b", "a", "c"}
func LeadWith(first string, values []string) []string {
	first = strings.TrimSpace(first)
	result := make([]string, 0, len(values)+1)
	if first != "" {
		result = append(result, first)
	}
	for _, v := range DedupeAndTrim(values) {
		if v == first {
			continue
		}
		result = append(result, v)
	}
	return result
}
