package initiative

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bdobrica/kokoro/common/spec/envelope"
)

// timeLayout is fixed-width UTC so stored timestamps compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteQueue is a Queue and Ledger over the pending_initiatives and
// presence tables created by the store/sqlite migrations.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue wraps an already migrated database (see sqlite.Store.DB).
func NewSQLiteQueue(db *sql.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (q *SQLiteQueue) Push(ctx context.Context, userID, characterID string, msg envelope.Message) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_initiatives (id, user_id, character_id, text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, userID, characterID, msg.Text, formatTime(msg.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("initiative: push: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Pending(ctx context.Context, userID, characterID string) ([]envelope.Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, text, created_at FROM pending_initiatives
		WHERE user_id = ? AND character_id = ?
		ORDER BY created_at, rowid`,
		userID, characterID,
	)
	if err != nil {
		return nil, fmt.Errorf("initiative: pending: %w", err)
	}
	defer rows.Close()

	var out []envelope.Message
	for rows.Next() {
		var m envelope.Message
		var created string
		if err := rows.Scan(&m.ID, &m.Text, &created); err != nil {
			return nil, fmt.Errorf("initiative: scan pending: %w", err)
		}
		m.Timestamp = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Ack(ctx context.Context, userID, characterID string) error {
	_, err := q.db.ExecContext(ctx,
		"DELETE FROM pending_initiatives WHERE user_id = ? AND character_id = ?",
		userID, characterID,
	)
	if err != nil {
		return fmt.Errorf("initiative: ack: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Seen(ctx context.Context, userID, characterID, timezone string, at time.Time) error {
	tz := timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, character_id, timezone, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, character_id) DO UPDATE SET
			timezone  = CASE WHEN ? = '' THEN presence.timezone ELSE excluded.timezone END,
			last_seen = MAX(presence.last_seen, excluded.last_seen)`,
		userID, characterID, tz, formatTime(at), timezone,
	)
	if err != nil {
		return fmt.Errorf("initiative: seen: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Idle(ctx context.Context, cutoff time.Time) ([]Presence, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, character_id, timezone, last_seen, COALESCE(last_initiative, '')
		FROM presence
		WHERE last_seen < ?
		  AND (last_initiative IS NULL OR last_initiative <= last_seen)
		ORDER BY last_seen`,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("initiative: idle: %w", err)
	}
	defer rows.Close()

	var out []Presence
	for rows.Next() {
		var p Presence
		var seen, initiated string
		if err := rows.Scan(&p.UserID, &p.CharacterID, &p.Timezone, &seen, &initiated); err != nil {
			return nil, fmt.Errorf("initiative: scan presence: %w", err)
		}
		p.LastSeen = parseTime(seen)
		if initiated != "" {
			p.LastInitiative = parseTime(initiated)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) MarkInitiated(ctx context.Context, userID, characterID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE presence SET last_initiative = ? WHERE user_id = ? AND character_id = ?",
		formatTime(at), userID, characterID,
	)
	if err != nil {
		return fmt.Errorf("initiative: mark initiated: %w", err)
	}
	return nil
}

var (
	_ Queue  = (*SQLiteQueue)(nil)
	_ Ledger = (*SQLiteQueue)(nil)
)
