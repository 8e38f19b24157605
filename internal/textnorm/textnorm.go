// Package textnorm compares catalog labels and names the way people type them:
// without regard to case, accents or surrounding whitespace.
package textnorm

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, strips diacritics and trims surrounding whitespace.
func Normalize(s string) string {
	// A transform.Chain keeps state, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// Equal reports whether a and b normalize to the same text.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Contains reports whether the normalized s contains the normalized substr.
func Contains(s, substr string) bool {
	return strings.Contains(Normalize(s), Normalize(substr))
}

// ParseYesNo interprets a yes/no label. "Sí", "si" and "true" are yes; "no" and
// "false" are no. ok is false for any other label.
func ParseYesNo(label string) (value, ok bool) {
	switch Normalize(label) {
	case "si", "true":
		return true, true
	case "no", "false":
		return false, true
	}
	return false, false
}

// IsAffirmative reports whether label is a yes label.
func IsAffirmative(label string) bool {
	v, ok := ParseYesNo(label)
	return ok && v
}

// ParseNumber parses a numeric cell as typed in a form. A decimal comma is
// accepted. ok is false for blank or non-numeric input.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
