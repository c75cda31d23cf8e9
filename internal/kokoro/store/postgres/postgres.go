// Package postgres is the PostgreSQL-backed durable memory store, for
// deployments that share memory between several server processes.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

const ddl = `
CREATE TABLE IF NOT EXISTS kokoro_memories (
    user_id       TEXT        NOT NULL,
    character_id  TEXT        NOT NULL,
    data          JSONB       NOT NULL,
    message_count INTEGER     NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, character_id)
)`

// Store is a store.Store over PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to dsn, verifies the connection and ensures the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: DSN is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ensure schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool.
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
	var data []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM kokoro_memories WHERE user_id = $1 AND character_id = $2`,
		key.UserID, key.CharacterID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.PersistentMemory{}, store.ErrNotFound
	}
	if err != nil {
		return schema.PersistentMemory{}, fmt.Errorf("postgres store: load memory: %w", err)
	}
	var m schema.PersistentMemory
	if err := json.Unmarshal(data, &m); err != nil {
		return schema.PersistentMemory{}, fmt.Errorf("postgres store: decode memory: %w", err)
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
		return fmt.Errorf("postgres store: encode memory: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kokoro_memories (user_id, character_id, data, message_count, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, character_id) DO UPDATE SET
			data = EXCLUDED.data,
			message_count = EXCLUDED.message_count,
			updated_at = now()
		WHERE EXCLUDED.message_count >= kokoro_memories.message_count`,
		key.UserID, key.CharacterID, string(data), m.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("postgres store: ignored out-of-order save",
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
		`DELETE FROM kokoro_memories WHERE user_id = $1 AND character_id = $2`,
		key.UserID, key.CharacterID,
	); err != nil {
		return fmt.Errorf("postgres store: reset memory: %w", err)
	}
	s.logger.Info("postgres store: memory reset", "user_id", key.UserID, "character_id", key.CharacterID)
	return nil
}

var _ store.Store = (*Store)(nil)
