// Package extract derives remembered facts, relationship state, tone and
// notable events from raw conversation turns.
//
// Extraction is a pluggable strategy: the resolver only sees the Extractor
// interface. Keyword is the regex/keyword implementation shipped by default;
// it is deterministic and performs no I/O.
package extract

import (
	"slices"
	"strings"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

// Extractor derives memory updates from one user/companion turn pair.
type Extractor interface {
	// Facts returns "label: value" facts found in a user utterance, in the
	// order they appear.
	Facts(userText string) []string
	// Relationship returns the relationship label implied by a companion
	// utterance.
	Relationship(companionText string) (string, bool)
	// Tone returns the conversation tone implied by a companion utterance.
	Tone(companionText string) (string, bool)
	// KeyEvent returns at most one notable event from the turn pair.
	KeyEvent(userText, companionText string, now time.Time) (schema.KeyEvent, bool)
}

// Update is a partial change to a PersistentMemory. A nil field means
// "unchanged"; changed collections carry the full new value.
type Update struct {
	Facts              []string
	RelationshipStatus *string
	ConversationTone   *string
	KeyEvents          []schema.KeyEvent
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Facts == nil && u.RelationshipStatus == nil &&
		u.ConversationTone == nil && u.KeyEvents == nil
}

// Apply returns a copy of m with the update applied. The message counter is
// not touched.
func (u Update) Apply(m schema.PersistentMemory) schema.PersistentMemory {
	out := m.Clone()
	if u.Facts != nil {
		out.Facts = slices.Clone(u.Facts)
	}
	if u.RelationshipStatus != nil {
		out.RelationshipStatus = *u.RelationshipStatus
	}
	if u.ConversationTone != nil {
		out.ConversationTone = *u.ConversationTone
	}
	if u.KeyEvents != nil {
		out.KeyEvents = slices.Clone(u.KeyEvents)
	}
	return out
}

// Compose runs x over a turn pair and returns the resulting partial update
// against m.
//
// A fact whose label already exists replaces the old value in place; an
// identical fact is not re-added. Relationship and tone change only when
// they differ from the current value. A new key event is appended and the
// list is cut to the most recent schema.MaxKeyEvents.
func Compose(x Extractor, m schema.PersistentMemory, userText, companionText string, now time.Time) Update {
	var u Update

	if facts, changed := MergeFacts(m.Facts, x.Facts(userText)); changed {
		u.Facts = facts
	}
	if rel, ok := x.Relationship(companionText); ok && rel != m.RelationshipStatus {
		u.RelationshipStatus = &rel
	}
	if tone, ok := x.Tone(companionText); ok && tone != m.ConversationTone {
		u.ConversationTone = &tone
	}
	if ev, ok := x.KeyEvent(userText, companionText, now); ok {
		events := append(slices.Clone(m.KeyEvents), ev)
		if over := len(events) - schema.MaxKeyEvents; over > 0 {
			events = events[over:]
		}
		u.KeyEvents = events
	}
	return u
}

// MergeFacts folds incoming facts into existing using replace-on-label-match.
// It reports whether the result differs from existing.
func MergeFacts(existing, incoming []string) ([]string, bool) {
	out := slices.Clone(existing)
	changed := false
	for _, f := range incoming {
		if slices.Contains(out, f) {
			continue
		}
		label := Label(f)
		i := slices.IndexFunc(out, func(e string) bool { return Label(e) == label })
		if i >= 0 {
			out[i] = f
		} else {
			out = append(out, f)
		}
		changed = true
	}
	if out == nil {
		out = []string{}
	}
	return out, changed
}

// Label returns the normalized label of a "label: value" fact.
func Label(fact string) string {
	label, _, _ := strings.Cut(fact, ":")
	return strings.ToLower(strings.TrimSpace(label))
}
