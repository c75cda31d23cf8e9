// Package store defines the durable memory boundary: one PersistentMemory
// per (user, character) pair, attributed to the user carried by the context.
//
// Implementations live in subpackages (sqlite, postgres, remote). Memory is
// the in-process implementation used by tests and single-process setups.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

var (
	// ErrNotFound is returned by Load when the pair has no stored memory.
	ErrNotFound = errors.New("store: memory not found")
	// ErrNoUser is returned when the context carries no user id.
	ErrNoUser = errors.New("store: no user in context")
)

// Store persists PersistentMemory for the user in the call context.
type Store interface {
	Load(ctx context.Context, characterID string) (schema.PersistentMemory, error)
	Save(ctx context.Context, characterID string, m schema.PersistentMemory) error
	Reset(ctx context.Context, characterID string) error
}

type userKey struct{}

// WithUser attributes subsequent store calls to userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user id attached by WithUser.
func UserFrom(ctx context.Context) (string, error) {
	id, _ := ctx.Value(userKey{}).(string)
	if id == "" {
		return "", ErrNoUser
	}
	return id, nil
}

// Key identifies a stored memory.
type Key struct {
	UserID      string
	CharacterID string
}

// KeyFrom builds the Key for characterID from the user in ctx.
func KeyFrom(ctx context.Context, characterID string) (Key, error) {
	userID, err := UserFrom(ctx)
	if err != nil {
		return Key{}, err
	}
	if characterID == "" {
		return Key{}, fmt.Errorf("store: character id is required")
	}
	return Key{UserID: userID, CharacterID: characterID}, nil
}

// Memory is an in-process Store. Like the SQL stores it ignores saves that
// would move the message counter backwards. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	data map[Key]schema.PersistentMemory
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[Key]schema.PersistentMemory)}
}

func (s *Memory) Load(ctx context.Context, characterID string) (schema.PersistentMemory, error) {
	key, err := KeyFrom(ctx, characterID)
	if err != nil {
		return schema.PersistentMemory{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[key]
	if !ok {
		return schema.PersistentMemory{}, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) Save(ctx context.Context, characterID string, m schema.PersistentMemory) error {
	key, err := KeyFrom(ctx, characterID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.data[key]; ok && prev.MessageCount > m.MessageCount {
		return nil
	}
	s.data[key] = m.Clone()
	return nil
}

func (s *Memory) Reset(ctx context.Context, characterID string) error {
	key, err := KeyFrom(ctx, characterID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

var _ Store = (*Memory)(nil)
