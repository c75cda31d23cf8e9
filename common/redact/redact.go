// Package redact keeps conversation text and credentials out of log lines.
//
// Companion conversations are private: logs carry lengths and short
// previews, never whole messages, and API keys are scrubbed from any string
// that is about to be logged.
package redact

import (
	"strings"
	"unicode/utf8"
)

const placeholder = "[REDACTED]"

// DefaultPreview is the number of runes kept by Preview when max <= 0.
const DefaultPreview = 24

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Preview returns at most max runes of s with newlines flattened, followed
// by "…" when truncated.
func Preview(s string, max int) string {
	if max <= 0 {
		max = DefaultPreview
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

// Secret masks a credential for display, keeping only the last four
// characters ("…f00d"). Empty input yields "".
func Secret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return placeholder
	}
	return "…" + v[len(v)-4:]
}
