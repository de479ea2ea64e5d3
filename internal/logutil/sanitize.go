// Package logutil cleans untrusted strings before they reach the log.
// Terminal titles and identity fields arrive from remote peers and may
// carry newlines or escape sequences that would forge log entries.
package logutil

import (
	"strings"
	"unicode"
)

// SanitizeForLog maps newlines, tabs and other control characters to spaces
// so a value always occupies a single log line.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Truncate shortens s to at most n runes, appending an ellipsis when it cut
// anything. Terminal titles are attacker-controlled and can be arbitrarily
// long.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
