package utils

import (
	"strings"
	"unicode"
)

// SanitizeString strips control characters other than newline, carriage
// return and tab, then trims surrounding whitespace. Command output passes
// through here before it is handed to clients.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString caps s at maxLen bytes, marking the cut with an ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
