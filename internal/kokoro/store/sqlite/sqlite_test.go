package sqlite_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/kokoro/common/crypto"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
	"github.com/bdobrica/kokoro/internal/kokoro/store/sqlite"
	"github.com/bdobrica/kokoro/internal/kokoro/store/storetest"
)

func newTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testBox(t *testing.T) *crypto.Box {
	t.Helper()
	box, err := crypto.NewBox([]byte(strings.Repeat("k", crypto.KeySize)))
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestStore_EncryptedContract(t *testing.T) {
	box := testBox(t)
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t, sqlite.WithBox(box)) })
}

func TestStore_EncryptedAtRest(t *testing.T) {
	s := newTestStore(t, sqlite.WithBox(testBox(t)))
	ctx := store.WithUser(context.Background(), "user-a")
	if err := s.Save(ctx, "aiko", storetest.Sample()); err != nil {
		t.Fatal(err)
	}

	var (
		raw       []byte
		encrypted bool
	)
	if err := s.DB().QueryRow(`SELECT data, encrypted FROM memories`).Scan(&raw, &encrypted); err != nil {
		t.Fatal(err)
	}
	if !encrypted || strings.Contains(string(raw), "Asha") {
		t.Errorf("memory stored in clear: encrypted=%v", encrypted)
	}
}

func TestStore_EncryptedRowWithoutKey(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kokoro.db")
	ctx := store.WithUser(context.Background(), "user-a")

	sealed, err := sqlite.Open(dbPath, sqlite.WithBox(testBox(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := sealed.Save(ctx, "aiko", storetest.Sample()); err != nil {
		t.Fatal(err)
	}
	sealed.Close()

	plain, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer plain.Close()
	if _, err := plain.Load(ctx, "aiko"); err == nil || !strings.Contains(err.Error(), "encrypted") {
		t.Errorf("Load without key = %v, want encrypted error", err)
	}
}

func TestStore_MigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kokoro.db")
	for range 2 {
		s, err := sqlite.Open(dbPath)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		var n int
		if err := s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("applied migrations = %d, want 2", n)
		}
		s.Close()
	}
}
