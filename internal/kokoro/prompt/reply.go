package prompt

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Delimiter separates the messages of a multi-part reply.
const Delimiter = "|||"

// SplitReply splits a reply into the ordered messages it contains. Parts are
// trimmed and empty parts dropped.
func SplitReply(reply string) []string {
	var parts []string
	for _, p := range strings.Split(reply, Delimiter) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Pacing is the typing delay shown before a reply part of this length.
func Pacing(part string) time.Duration {
	switch n := utf8.RuneCountInString(part); {
	case n < 50:
		return 800 * time.Millisecond
	case n < 150:
		return 1500 * time.Millisecond
	default:
		return 2500 * time.Millisecond
	}
}
