// Package storetest is a conformance suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

// Run exercises the store contract against stores built by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("load missing", func(t *testing.T) {
		s := newStore(t)
		ctx := store.WithUser(context.Background(), "user-a")
		if _, err := s.Load(ctx, "aiko"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Load = %v, want ErrNotFound", err)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		s := newStore(t)
		ctx := store.WithUser(context.Background(), "user-a")
		want := Sample()
		if err := s.Save(ctx, "aiko", want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.Load(ctx, "aiko")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Load mismatch\n got: %+v\nwant: %+v", got, want)
		}
	})

	t.Run("pairs are isolated", func(t *testing.T) {
		s := newStore(t)
		a := store.WithUser(context.Background(), "user-a")
		b := store.WithUser(context.Background(), "user-b")
		if err := s.Save(a, "aiko", Sample()); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if _, err := s.Load(b, "aiko"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("other user sees memory: %v", err)
		}
		if _, err := s.Load(a, "ren"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("other character sees memory: %v", err)
		}
	})

	t.Run("counter never moves backwards", func(t *testing.T) {
		s := newStore(t)
		ctx := store.WithUser(context.Background(), "user-a")
		newer := Sample()
		newer.MessageCount = 10
		older := Sample()
		older.MessageCount = 4
		older.Summary = "stale"

		if err := s.Save(ctx, "aiko", newer); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, "aiko", older); err != nil {
			t.Fatal(err)
		}
		got, err := s.Load(ctx, "aiko")
		if err != nil {
			t.Fatal(err)
		}
		if got.MessageCount != 10 || got.Summary == "stale" {
			t.Errorf("out-of-order save applied: count=%d summary=%q", got.MessageCount, got.Summary)
		}
	})

	t.Run("reset", func(t *testing.T) {
		s := newStore(t)
		ctx := store.WithUser(context.Background(), "user-a")
		if err := s.Save(ctx, "aiko", Sample()); err != nil {
			t.Fatal(err)
		}
		if err := s.Reset(ctx, "aiko"); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if _, err := s.Load(ctx, "aiko"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Load after Reset = %v, want ErrNotFound", err)
		}
		if err := s.Reset(ctx, "aiko"); err != nil {
			t.Errorf("second Reset: %v", err)
		}
		fresh := schema.DefaultMemory()
		if err := s.Save(ctx, "aiko", fresh); err != nil {
			t.Errorf("Save after Reset: %v", err)
		}
	})
}

// Sample returns a populated memory for round-trip checks.
func Sample() schema.PersistentMemory {
	m := schema.DefaultMemory()
	m.RelationshipStatus = "friend"
	m.Facts = []string{"name: Asha", "location: Pune"}
	m.ConversationTone = "playful"
	m.KeyEvents = []schema.KeyEvent{{
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Description: "went to the concert",
	}}
	m.UserPreferences = map[string]string{"drink": "chai"}
	m.Summary = "Asha talked about Pune."
	m.MessageCount = 7
	return m
}
