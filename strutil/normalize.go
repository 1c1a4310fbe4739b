package strutil

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeUpper trims surrounding whitespace and converts to upper case.
// Use for modes, result codes, and other tokens where case is not significant.
func NormalizeUpper(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// NormalizeLower trims surrounding whitespace and converts to lower case.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeCallsign folds compatibility characters (full-width digits and
// letters pasted from web forms), uppercases, and keeps only A-Z, 0-9 and '/'.
// Trailing slashes are dropped so "PA3EFR/" and "PA3EFR" compare equal.
func NormalizeCallsign(call string) string {
	folded := norm.NFKC.String(strings.TrimSpace(call))
	if folded == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToUpper(folded) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '/':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "/")
}

// SameCallsign reports whether two raw callsigns normalize to the same value.
func SameCallsign(a, b string) bool {
	na := NormalizeCallsign(a)
	return na != "" && na == NormalizeCallsign(b)
}

// MaskSecret keeps the first 8 and last 4 characters of a credential for
// diagnostics. Short values are fully masked.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 12 {
		if secret == "" {
			return ""
		}
		return strings.Repeat("*", len(secret))
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
