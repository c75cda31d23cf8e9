// Package sqlite is the SQLite-backed durable memory store.
//
// Memories are stored as JSON documents, optionally sealed with a
// crypto.Box. Saves carrying a lower message counter than the stored row
// are ignored, so reordered background writes never roll memory back.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/kokoro/common/crypto"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a store.Store over a SQLite database.
type Store struct {
	db     *sql.DB
	box    *crypto.Box
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBox encrypts memory documents at rest.
func WithBox(box *crypto.Box) Option {
	return func(s *Store) { s.box = box }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (or creates) the database at dbPath and runs migrations.
// Use ":memory:" for a throwaway database.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open database: %w", err)
	}

	// One shared connection: SQLite is single-writer, and an in-memory
	// database only lives as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: set pragma: %w", err)
		}
	}

	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection. The initiative queue shares it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Load(ctx context.Context, characterID string) (schema.PersistentMemory, error) {
	key, err := store.KeyFrom(ctx, characterID)
	if err != nil {
		return schema.PersistentMemory{}, err
	}

	var (
		data      []byte
		encrypted bool
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT data, encrypted FROM memories WHERE user_id = ? AND character_id = ?`,
		key.UserID, key.CharacterID,
	).Scan(&data, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.PersistentMemory{}, store.ErrNotFound
	}
	if err != nil {
		return schema.PersistentMemory{}, fmt.Errorf("sqlite store: load memory: %w", err)
	}

	if encrypted {
		if s.box == nil {
			return schema.PersistentMemory{}, fmt.Errorf("sqlite store: memory for %s is encrypted but no key is configured", key.CharacterID)
		}
		data, err = s.box.Open(data, label(key))
		if err != nil {
			return schema.PersistentMemory{}, fmt.Errorf("sqlite store: decrypt memory: %w", err)
		}
	}

	var m schema.PersistentMemory
	if err := json.Unmarshal(data, &m); err != nil {
		return schema.PersistentMemory{}, fmt.Errorf("sqlite store: decode memory: %w", err)
	}
	return m.Normalize(), nil
}

func (s *Store) Save(ctx context.Context, characterID string, m schema.PersistentMemory) error {
	key, err := store.KeyFrom(ctx, characterID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(m.Normalize())
	if err != nil {
		return fmt.Errorf("sqlite store: encode memory: %w", err)
	}
	encrypted := false
	if s.box != nil {
		if data, err = s.box.Seal(data, label(key)); err != nil {
			return fmt.Errorf("sqlite store: encrypt memory: %w", err)
		}
		encrypted = true
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (user_id, character_id, data, encrypted, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, character_id) DO UPDATE SET
			data = excluded.data,
			encrypted = excluded.encrypted,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at
		WHERE excluded.message_count >= memories.message_count`,
		key.UserID, key.CharacterID, data, encrypted, m.MessageCount,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save memory: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("sqlite store: ignored out-of-order save",
			"user_id", key.UserID,
			"character_id", key.CharacterID,
			"message_count", m.MessageCount,
		)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context, characterID string) error {
	key, err := store.KeyFrom(ctx, characterID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND character_id = ?`,
		key.UserID, key.CharacterID,
	); err != nil {
		return fmt.Errorf("sqlite store: reset memory: %w", err)
	}
	s.logger.Info("sqlite store: memory reset", "user_id", key.UserID, "character_id", key.CharacterID)
	return nil
}

func label(k store.Key) string {
	return "memory:" + k.UserID + "/" + k.CharacterID
}

// runMigrations applies embedded migrations newer than the recorded version.
func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(prefix, "%d", &version); err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name
		if version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		description := strings.TrimSuffix(rest, ".sql")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
