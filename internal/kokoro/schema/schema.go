// Package schema defines the data shapes shared by every Kokoro component:
// conversational turns, the durable per-pair memory, the merged working
// context and the cache wrapper around it.
package schema

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a Message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderCompanion Sender = "companion"
)

// Kind discriminates how a Message is rendered.
type Kind string

const (
	KindUser             Kind = "user"
	KindCompanionThought Kind = "companion_thought"
	KindCompanionSpeech  Kind = "companion_speech"
)

const (
	// DefaultRelationship is the relationship status of a pair with no history.
	DefaultRelationship = "just met"
	// DefaultTone is the conversation tone of a pair with no history.
	DefaultTone = "friendly"
	// MaxKeyEvents bounds PersistentMemory.KeyEvents; the oldest are evicted.
	MaxKeyEvents = 10
)

// Message is one conversational turn. It is immutable once created and
// belongs to exactly one conversation track.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`

	// Thought and Speech split a companion reply into its inner and spoken
	// channels. Both are empty when the reply was not split.
	Thought string `json:"thought,omitempty"`
	Speech  string `json:"speech,omitempty"`

	// ImplicitThought is the bracketed inner thought of a user turn.
	ImplicitThought string `json:"implicit_thought,omitempty"`

	Kind Kind `json:"kind"`
}

// NewMessage creates a message with a fresh identifier. The kind is derived
// from the sender.
func NewMessage(sender Sender, text string, now time.Time) Message {
	kind := KindUser
	if sender == SenderCompanion {
		kind = KindCompanionSpeech
	}
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender,
		Timestamp: now,
		Kind:      kind,
	}
}

// KeyEvent is a notable moment remembered for a pair.
type KeyEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// PersistentMemory is the durable, cross-session state of one
// (user, character) pair.
type PersistentMemory struct {
	RelationshipStatus string            `json:"relationship_status"`
	Facts              []string          `json:"facts"`
	ConversationTone   string            `json:"conversation_tone"`
	KeyEvents          []KeyEvent        `json:"key_events"`
	UserPreferences    map[string]string `json:"user_preferences"`
	Summary            string            `json:"summary"`
	MessageCount       int               `json:"message_count"`
}

// DefaultMemory returns the memory of a pair that has never talked.
func DefaultMemory() PersistentMemory {
	return PersistentMemory{
		RelationshipStatus: DefaultRelationship,
		Facts:              []string{},
		ConversationTone:   DefaultTone,
		KeyEvents:          []KeyEvent{},
		UserPreferences:    map[string]string{},
	}
}

// Clone returns a deep copy of m.
func (m PersistentMemory) Clone() PersistentMemory {
	cp := m
	cp.Facts = slices.Clone(m.Facts)
	cp.KeyEvents = slices.Clone(m.KeyEvents)
	cp.UserPreferences = maps.Clone(m.UserPreferences)
	return cp
}

// Normalize fills nil collections so the persisted shape never carries
// nulls. Memories decoded from older rows may lack them.
func (m PersistentMemory) Normalize() PersistentMemory {
	if m.Facts == nil {
		m.Facts = []string{}
	}
	if m.KeyEvents == nil {
		m.KeyEvents = []KeyEvent{}
	}
	if m.UserPreferences == nil {
		m.UserPreferences = map[string]string{}
	}
	if m.RelationshipStatus == "" {
		m.RelationshipStatus = DefaultRelationship
	}
	if m.ConversationTone == "" {
		m.ConversationTone = DefaultTone
	}
	return m
}

// Mood is a response register the companion can speak in.
type Mood struct {
	Name          string `json:"name"`
	ResponseStyle string `json:"response_style"`
	Description   string `json:"description,omitempty"`
}

// Persona is the immutable, designer-authored character definition.
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Background  string   `json:"background"`
	Traits      []string `json:"traits,omitempty"`
	Greeting    string   `json:"greeting,omitempty"`
	DefaultMood string   `json:"default_mood,omitempty"`
	Moods       []Mood   `json:"moods,omitempty"`
}

// Mood looks up a mood by name. An empty name selects DefaultMood.
func (p Persona) Mood(name string) (Mood, bool) {
	if name == "" {
		name = p.DefaultMood
	}
	for _, m := range p.Moods {
		if m.Name == name {
			return m, true
		}
	}
	return Mood{}, false
}

// CustomInstructions are user-authored preferences applied to every
// non-incognito prompt.
type CustomInstructions struct {
	Nickname    string   `json:"nickname,omitempty"`
	AboutUser   string   `json:"about_user,omitempty"`
	AvoidTopics []string `json:"avoid_topics,omitempty"`
	MemoryNotes []string `json:"memory_notes,omitempty"`
}

// TieredContext is the merged working view of a pair for one session:
// persona, durable memory and the session-local history.
type TieredContext struct {
	CharacterID string           `json:"character_id"`
	Persona     Persona          `json:"persona"`
	Memory      PersistentMemory `json:"memory"`
	History     []Message        `json:"history,omitempty"`
	LastUpdated time.Time        `json:"last_updated"`
}

// Merge combines a persona with a memory into a fresh working context.
func Merge(p Persona, m PersistentMemory, now time.Time) TieredContext {
	return TieredContext{
		CharacterID: p.ID,
		Persona:     p,
		Memory:      m.Clone(),
		LastUpdated: now,
	}
}

// Clone returns a deep copy of c. Cached values never alias live state.
func (c TieredContext) Clone() TieredContext {
	cp := c
	cp.Persona.Traits = slices.Clone(c.Persona.Traits)
	cp.Persona.Moods = slices.Clone(c.Persona.Moods)
	cp.Memory = c.Memory.Clone()
	cp.History = slices.Clone(c.History)
	return cp
}

// CacheEntry wraps a TieredContext in the ephemeral cache.
type CacheEntry struct {
	Context   TieredContext `json:"context"`
	WrittenAt time.Time     `json:"written_at"`

	// SessionToken identifies the session that wrote the entry.
	SessionToken string `json:"session_token,omitempty"`
}

// Expired reports whether the entry is older than ttl at now. An entry read
// exactly at WrittenAt+ttl is still live.
func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.WrittenAt) > ttl
}
