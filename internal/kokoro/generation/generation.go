// Package generation is the boundary to the language-generation backend:
// it turns a prompt.Request into a companion reply.
package generation

import (
	"context"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/prompt"
)

// Reply is a generated companion turn.
type Reply struct {
	Text string `json:"text"`
	// TypingDelay is how long the UI shows a typing indicator first.
	TypingDelay time.Duration `json:"typing_delay"`
	// AffectionDelta is set when the backend scored the turn.
	AffectionDelta *int `json:"affection_delta,omitempty"`
	// QuestTrigger is set when the turn should start a quest.
	QuestTrigger bool `json:"quest_trigger,omitempty"`
}

// Backend generates companion turns.
type Backend interface {
	// Generate replies to the user turn described by req.
	Generate(ctx context.Context, req prompt.Request) (*Reply, error)
	// Proactive writes a companion-initiated message.
	Proactive(ctx context.Context, req prompt.Request) (*Reply, error)
}
