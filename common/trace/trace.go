// Package trace tags every conversational turn with an ID that follows it
// through generation, extraction, background sync and initiative delivery.
package trace

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type turnKey struct{}

// NewTurnID returns a fresh turn identifier ("turn_" + 32 hex chars).
func NewTurnID() string {
	return "turn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithTurnID returns a child context carrying id.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnKey{}, id)
}

// Ensure returns ctx unchanged when it already carries a turn ID, otherwise
// a child context with a new one.
func Ensure(ctx context.Context) context.Context {
	if FromContext(ctx) != "" {
		return ctx
	}
	return WithTurnID(ctx, NewTurnID())
}

// FromContext extracts the turn ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(turnKey{}).(string); ok {
		return v
	}
	return ""
}
