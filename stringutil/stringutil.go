// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil holds allocation-free helpers for parsing procfs text.
package stringutil // import "go.opentelemetry.io/apm-correlation/stringutil"

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

// skipSpace returns the index of the first non-space byte of s at or after i.
func skipSpace(s string, i int) int {
	for i < len(s) && asciiSpace[s[i]] != 0 {
		i++
	}
	return i
}

// FieldsN splits s around runs of white space, filling f with substrings of s.
// If s contains more than len(f) fields, the last element of f holds the
// unparsed remainder of s starting at its first non-space character, so that
// a trailing path containing spaces stays intact.
// It returns the number of elements of f that were set.
func FieldsN(s string, f []string) int {
	n := len(f)
	if n == 0 {
		return 0
	}
	i := skipSpace(s, 0)
	for field := 0; field < n-1; field++ {
		start := i
		for i < len(s) && asciiSpace[s[i]] == 0 {
			i++
		}
		if start == i {
			return field
		}
		f[field] = s[start:i]
		i = skipSpace(s, i)
	}
	if i == len(s) {
		return n - 1
	}
	f[n-1] = s[i:]
	return n
}
