package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/kokoro/internal/kokoro/generation"
	"github.com/bdobrica/kokoro/internal/kokoro/prompt"
	"github.com/bdobrica/kokoro/internal/kokoro/resolver"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

// initiativeAuthor writes sweeper messages from the pair's durable memory.
// It only reads memory: the chat client records the message as a turn when
// it shows it.
type initiativeAuthor struct {
	store    store.Store
	personas resolver.Catalog
	backend  generation.Backend
}

func (a *initiativeAuthor) Initiative(ctx context.Context, userID, characterID string) (string, error) {
	p, ok := a.personas.Get(characterID)
	if !ok {
		return "", fmt.Errorf("%w: %s", resolver.ErrUnknownPersona, characterID)
	}
	ctx = store.WithUser(ctx, userID)

	mem, err := a.store.Load(ctx, characterID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		mem = schema.DefaultMemory()
	case err != nil:
		return "", fmt.Errorf("initiative author: load memory: %w", err)
	}

	mood, _ := p.Mood("")
	req := prompt.Build(prompt.Input{Persona: p, Mood: mood, Memory: mem, Proactive: true})
	reply, err := a.backend.Proactive(ctx, req)
	if err != nil {
		return "", fmt.Errorf("initiative author: %w", err)
	}
	// Queued messages travel as one text; parts become lines.
	return strings.Join(prompt.SplitReply(reply.Text), "\n"), nil
}
