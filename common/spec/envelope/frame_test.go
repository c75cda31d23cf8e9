package envelope_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/kokoro/common/spec/envelope"
)

func TestParseFrame_CheckInitiative(t *testing.T) {
	data, err := json.Marshal(envelope.CheckInitiative("u1", "aiko", "Asia/Kolkata"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f, err := envelope.ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Type != envelope.TypeCheckInitiative || f.UserID != "u1" || f.Timezone != "Asia/Kolkata" {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestParseFrame_InitiativeWireKeys(t *testing.T) {
	frame := envelope.Initiative("aiko", envelope.KindPush, []envelope.Message{
		{ID: "m1", Text: "Hey, you there?", Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	})
	data, _ := json.Marshal(frame)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "character_id", "messages", "initiative_type"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing wire key %q in %s", key, data)
		}
	}
	if _, err := envelope.ParseFrame(data); err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
}

func TestFrame_ValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame envelope.Frame
		want  string
	}{
		{"missing character", envelope.Frame{Type: envelope.TypeAckPending, UserID: "u1"}, "character_id"},
		{"check without user", envelope.Frame{Type: envelope.TypeCheckInitiative, CharacterID: "aiko"}, "user_id"},
		{"bad timezone", envelope.CheckInitiative("u1", "aiko", "Mars/Olympus"), "timezone"},
		{"ack without user", envelope.Frame{Type: envelope.TypeAckPending, CharacterID: "aiko"}, "user_id"},
		{"bad kind", envelope.Frame{Type: envelope.TypeInitiative, CharacterID: "aiko", Kind: "later"}, "initiative_type"},
		{"empty text", envelope.Initiative("aiko", envelope.KindPending, []envelope.Message{{ID: "x"}}), "text"},
		{"unknown type", envelope.Frame{Type: "hello", CharacterID: "aiko"}, "unknown frame type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestFrame_ValidateEmptyInitiativeIsAllowed(t *testing.T) {
	f := envelope.Initiative("aiko", envelope.KindPending, nil)
	if err := f.Validate(); err != nil {
		t.Fatalf("empty pending initiative should be valid: %v", err)
	}
}

func TestParseFrame_InvalidJSON(t *testing.T) {
	if _, err := envelope.ParseFrame([]byte("{")); err == nil {
		t.Fatal("expected parse error")
	}
}
