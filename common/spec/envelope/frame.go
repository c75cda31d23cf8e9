// Package envelope defines the frames exchanged on the initiative push
// channel between a chat client and the Kokoro server.
//
// The channel is a pull-then-push handshake: the client sends
// check-initiative when a conversation opens, the server answers with an
// initiative frame (possibly empty), the client acknowledges shown messages
// with ack-pending, and later initiative frames arrive unsolicited.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates frames.
type Type string

const (
	TypeCheckInitiative Type = "check-initiative"
	TypeInitiative      Type = "initiative"
	TypeAckPending      Type = "ack-pending"
)

// InitiativeKind tells the client why an initiative frame was sent.
type InitiativeKind string

const (
	// KindPending answers a check-initiative with queued messages.
	KindPending InitiativeKind = "pending"
	// KindPush is an unsolicited delivery while the client is connected.
	KindPush InitiativeKind = "push"
)

// Message is the wire form of a companion-authored turn.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame is one push-channel message. Only the fields relevant to Type are
// populated.
type Frame struct {
	Type        Type           `json:"type"`
	UserID      string         `json:"user_id,omitempty"`
	CharacterID string         `json:"character_id"`
	Timezone    string         `json:"timezone,omitempty"`
	Messages    []Message      `json:"messages,omitempty"`
	Kind        InitiativeKind `json:"initiative_type,omitempty"`
}

// CheckInitiative builds the client's opening frame.
func CheckInitiative(userID, characterID, timezone string) Frame {
	return Frame{Type: TypeCheckInitiative, UserID: userID, CharacterID: characterID, Timezone: timezone}
}

// AckPending builds the client's acknowledgement frame.
func AckPending(userID, characterID string) Frame {
	return Frame{Type: TypeAckPending, UserID: userID, CharacterID: characterID}
}

// Initiative builds a server frame carrying msgs.
func Initiative(characterID string, kind InitiativeKind, msgs []Message) Frame {
	return Frame{Type: TypeInitiative, CharacterID: characterID, Kind: kind, Messages: msgs}
}

// Validate checks the invariants of f's type.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("frame must not be nil")
	}
	if f.CharacterID == "" {
		return fmt.Errorf("character_id must not be empty")
	}
	switch f.Type {
	case TypeCheckInitiative:
		if f.UserID == "" {
			return fmt.Errorf("user_id must not be empty")
		}
		if f.Timezone != "" {
			if _, err := time.LoadLocation(f.Timezone); err != nil {
				return fmt.Errorf("timezone %q: %w", f.Timezone, err)
			}
		}
	case TypeAckPending:
		if f.UserID == "" {
			return fmt.Errorf("user_id must not be empty")
		}
	case TypeInitiative:
		if f.Kind != KindPending && f.Kind != KindPush {
			return fmt.Errorf("initiative_type must be %q or %q, got %q", KindPending, KindPush, f.Kind)
		}
		for i, m := range f.Messages {
			if m.Text == "" {
				return fmt.Errorf("messages[%d]: text must not be empty", i)
			}
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// ParseFrame decodes and validates a JSON-encoded frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("envelope parse: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("envelope validate: %w", err)
	}
	return &f, nil
}
