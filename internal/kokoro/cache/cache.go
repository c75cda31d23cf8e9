// Package cache is the ephemeral, per-character context cache: the fastest
// tier of the context fallback sequence.
//
// The cache is optional by contract. Any failure of the underlying Medium
// degrades to a miss or a no-op and is logged at debug level; callers never
// see a storage error. Entries expire lazily on read after TTL.
//
// Each Cache carries a session token. A session that has Claimed a
// character owns writes to it; a second session writing the same character
// gets ErrStaleSession and the owner's entry is left untouched.
package cache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

const (
	// KeyPrefix namespaces context entries in the medium.
	KeyPrefix = "kokoro_context_"
	// LockPrefix namespaces session ownership records.
	LockPrefix = "kokoro_lock_"
	// TTL is how long an entry stays live after it is written.
	TTL = 24 * time.Hour
)

// ErrStaleSession is returned by Write when another session has claimed the
// character since this one did.
var ErrStaleSession = errors.New("cache: character claimed by another session")

// Cache is the ephemeral context cache for one session.
type Cache struct {
	medium Medium
	token  string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithToken sets the session token instead of generating one.
func WithToken(token string) Option {
	return func(c *Cache) { c.token = token }
}

// WithLogger sets the logger. The default slog logger is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New returns a cache over medium with a fresh session token.
func New(medium Medium, opts ...Option) *Cache {
	c := &Cache{
		medium: medium,
		token:  uuid.NewString(),
		ttl:    TTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns this session's token.
func (c *Cache) Token() string { return c.token }

// Claim records this session as the writer of characterID. Later writes from
// other sessions are rejected.
func (c *Cache) Claim(characterID string) {
	if err := c.medium.Set(LockPrefix+characterID, []byte(c.token)); err != nil {
		c.logger.Debug("cache: claim failed", "character_id", characterID, "err", err)
	}
}

// Owner returns the token of the session that last claimed characterID.
func (c *Cache) Owner(characterID string) (string, bool) {
	raw, err := c.medium.Get(LockPrefix + characterID)
	if err != nil {
		if !errors.Is(err, ErrNoKey) {
			c.logger.Debug("cache: owner lookup failed", "character_id", characterID, "err", err)
		}
		return "", false
	}
	return string(raw), true
}

// Write stores tctx for characterID stamped with the current time. The only
// error it returns is ErrStaleSession.
func (c *Cache) Write(characterID string, tctx schema.TieredContext) error {
	if owner, ok := c.Owner(characterID); ok && owner != c.token {
		c.logger.Warn("cache: write rejected for stale session",
			"character_id", characterID,
			"session", c.token,
		)
		return ErrStaleSession
	}

	entry := schema.CacheEntry{
		Context:      tctx.Clone(),
		WrittenAt:    c.now(),
		SessionToken: c.token,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Debug("cache: encode entry", "character_id", characterID, "err", err)
		return nil
	}
	if err := c.medium.Set(KeyPrefix+characterID, data); err != nil {
		c.logger.Debug("cache: write failed", "character_id", characterID, "err", err)
	}
	return nil
}

// Read returns the live context for characterID. Expired or undecodable
// entries are evicted and reported as a miss.
func (c *Cache) Read(characterID string) (schema.TieredContext, bool) {
	key := KeyPrefix + characterID
	raw, err := c.medium.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNoKey) {
			c.logger.Debug("cache: read failed", "character_id", characterID, "err", err)
		}
		return schema.TieredContext{}, false
	}

	var entry schema.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Debug("cache: discard corrupt entry", "character_id", characterID, "err", err)
		c.remove(key)
		return schema.TieredContext{}, false
	}
	if entry.Expired(c.now(), c.ttl) {
		c.logger.Debug("cache: entry expired",
			"character_id", characterID,
			"written_at", entry.WrittenAt,
		)
		c.remove(key)
		return schema.TieredContext{}, false
	}
	return entry.Context, true
}

// Clear removes the entry for characterID.
func (c *Cache) Clear(characterID string) {
	c.remove(KeyPrefix + characterID)
}

// ClearAll removes every context entry in the cache namespace. Keys outside
// the namespace are left alone.
func (c *Cache) ClearAll() {
	keys, err := c.medium.Keys()
	if err != nil {
		c.logger.Debug("cache: list keys failed", "err", err)
		return
	}
	for _, k := range keys {
		if strings.HasPrefix(k, KeyPrefix) {
			c.remove(k)
		}
	}
}

func (c *Cache) remove(key string) {
	if err := c.medium.Remove(key); err != nil {
		c.logger.Debug("cache: remove failed", "key", key, "err", err)
	}
}
