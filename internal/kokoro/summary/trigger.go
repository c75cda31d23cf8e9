// Package summary decides when conversation history must be compressed and
// runs the summarizer off the conversation's critical path.
package summary

import (
	"unicode/utf8"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

const (
	// MessageThreshold is the message count that makes summarization due.
	MessageThreshold = 20
	// CharThreshold is the character count that makes summarization due.
	CharThreshold = 5000
	// Window is how many recent messages are sent to the summarizer.
	Window = 20
)

// Stats are the running counters the trigger decides on.
type Stats struct {
	MessageCount int
	TotalChars   int
}

// Due reports whether s crosses either threshold.
func Due(s Stats) bool {
	return s.MessageCount >= MessageThreshold || s.TotalChars >= CharThreshold
}

// StatsOf counts messages and characters in msgs.
func StatsOf(msgs []schema.Message) Stats {
	s := Stats{MessageCount: len(msgs)}
	for _, m := range msgs {
		s.TotalChars += utf8.RuneCountInString(m.Text)
	}
	return s
}

// Tracker fires the trigger once per threshold crossing. Counters are
// measured over the history since the last summarization; once it fires the
// mark moves to the end of the history and the trigger re-arms.
//
// Tracker belongs to one conversation track and is not safe for concurrent
// use.
type Tracker struct {
	mark int
}

// Observe is called with the history as it stands before a new message is
// appended. When summarization is due it returns the most recent Window
// messages and advances the mark.
func (t *Tracker) Observe(history []schema.Message) ([]schema.Message, bool) {
	if t.mark > len(history) {
		t.mark = 0
	}
	if !Due(StatsOf(history[t.mark:])) {
		return nil, false
	}
	t.mark = len(history)
	start := max(0, len(history)-Window)
	window := make([]schema.Message, len(history)-start)
	copy(window, history[start:])
	return window, true
}

// Seed marks history as already accounted for, so a history restored from
// the cache is not summarized again.
func (t *Tracker) Seed(history []schema.Message) {
	t.mark = len(history)
}

// Reset re-arms the trigger for a cleared history.
func (t *Tracker) Reset() {
	t.mark = 0
}
