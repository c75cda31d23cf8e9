// Package resolver produces the working context for a conversation and
// keeps the cache and the durable store up to date after every turn.
//
// Loading consults three sources in strict order: the ephemeral cache, the
// durable store, then a freshly synthesized default memory. Durable-store
// failures are logged and fall through to the default; they never reach the
// conversation. Incognito loads skip both tiers and are never cached or
// persisted.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/cache"
	"github.com/bdobrica/kokoro/internal/kokoro/extract"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

// Mode selects the conversation track.
type Mode int

const (
	ModeNormal Mode = iota
	ModeIncognito
)

func (m Mode) String() string {
	if m == ModeIncognito {
		return "incognito"
	}
	return "normal"
}

// Source reports which tier a context was loaded from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceStore     Source = "store"
	SourceDefault   Source = "default"
	SourceIncognito Source = "incognito"
)

// MaxCachedHistory bounds the history kept in a cache entry.
const MaxCachedHistory = 50

// ErrUnknownPersona is returned by Load for a character with no persona.
var ErrUnknownPersona = errors.New("resolver: unknown persona")

// Catalog looks up personas by character id.
type Catalog interface {
	Get(characterID string) (schema.Persona, bool)
}

// Config wires a Resolver. Cache, Store and Syncer are optional.
type Config struct {
	Cache     *cache.Cache
	Store     store.Store
	Syncer    *Syncer
	Personas  Catalog
	Extractor extract.Extractor
	Logger    *slog.Logger
	Now       func() time.Time
}

// Resolver loads and maintains the TieredContext of the pairs owned by one
// session.
type Resolver struct {
	cache     *cache.Cache
	store     store.Store
	syncer    *Syncer
	personas  Catalog
	extractor extract.Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a resolver. A nil Extractor selects extract.NewKeyword.
func New(cfg Config) *Resolver {
	if cfg.Extractor == nil {
		cfg.Extractor = extract.NewKeyword()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		cache:     cfg.Cache,
		store:     cfg.Store,
		syncer:    cfg.Syncer,
		personas:  cfg.Personas,
		extractor: cfg.Extractor,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Load returns the working context for characterID and the tier it came
// from. The user is taken from ctx (see store.WithUser).
func (r *Resolver) Load(ctx context.Context, characterID string, mode Mode) (schema.TieredContext, Source, error) {
	persona, ok := r.personas.Get(characterID)
	if !ok {
		return schema.TieredContext{}, "", fmt.Errorf("%w: %s", ErrUnknownPersona, characterID)
	}

	if mode == ModeIncognito {
		return schema.Merge(persona, schema.DefaultMemory(), r.now()), SourceIncognito, nil
	}

	if r.cache != nil {
		r.cache.Claim(characterID)
		if tctx, hit := r.cache.Read(characterID); hit {
			r.logger.Debug("resolver: cache hit", "character_id", characterID)
			return tctx, SourceCache, nil
		}
	}

	mem, source := r.loadDurable(ctx, characterID)
	tctx := schema.Merge(persona, mem, r.now())
	r.writeCache(characterID, tctx)
	return tctx, source, nil
}

func (r *Resolver) loadDurable(ctx context.Context, characterID string) (schema.PersistentMemory, Source) {
	if r.store == nil {
		return schema.DefaultMemory(), SourceDefault
	}
	mem, err := r.store.Load(ctx, characterID)
	switch {
	case err == nil:
		r.logger.Debug("resolver: loaded durable memory",
			"character_id", characterID,
			"message_count", mem.MessageCount,
		)
		return mem.Normalize(), SourceStore
	case errors.Is(err, store.ErrNotFound):
		return schema.DefaultMemory(), SourceDefault
	default:
		r.logger.Warn("resolver: durable store unavailable, using default memory",
			"character_id", characterID,
			"err", err,
		)
		return schema.DefaultMemory(), SourceDefault
	}
}

// RecordTurn folds a completed user/companion turn pair into tctx: the
// extractor's update is applied, the message counter incremented, the cache
// rewritten synchronously and a durable write queued. In incognito mode the
// memory is left untouched.
//
// The only error is cache.ErrStaleSession, in which case nothing is
// persisted.
func (r *Resolver) RecordTurn(ctx context.Context, tctx *schema.TieredContext, mode Mode, user, companion schema.Message) error {
	if mode == ModeIncognito {
		return nil
	}
	update := extract.Compose(r.extractor, tctx.Memory, user.Text, companion.Text, r.now())
	tctx.Memory = update.Apply(tctx.Memory)
	tctx.Memory.MessageCount++

	if !update.Empty() {
		r.logger.Debug("resolver: memory updated",
			"character_id", tctx.CharacterID,
			"facts", len(tctx.Memory.Facts),
			"relationship", tctx.Memory.RelationshipStatus,
			"tone", tctx.Memory.ConversationTone,
		)
	}
	return r.Persist(ctx, tctx, mode)
}

// Persist writes tctx to the cache and queues a durable write of its memory.
// Incognito contexts are never persisted.
func (r *Resolver) Persist(ctx context.Context, tctx *schema.TieredContext, mode Mode) error {
	if mode == ModeIncognito {
		return nil
	}
	tctx.LastUpdated = r.now()
	if err := r.writeCache(tctx.CharacterID, *tctx); err != nil {
		return err
	}
	r.enqueue(ctx, tctx.CharacterID, tctx.Memory)
	return nil
}

// Reset forgets everything about the pair: the cache entry and the durable
// memory. It is the only destructive path.
func (r *Resolver) Reset(ctx context.Context, characterID string) error {
	r.Invalidate(characterID)
	if r.store == nil {
		return nil
	}
	// Queued writes would otherwise resurrect the memory after the reset.
	if r.syncer != nil {
		r.syncer.Flush()
	}
	if err := r.store.Reset(ctx, characterID); err != nil {
		return fmt.Errorf("resolver: reset: %w", err)
	}
	return nil
}

// Invalidate drops the cached context so the next Load re-reads the
// durable store.
func (r *Resolver) Invalidate(characterID string) {
	if r.cache != nil {
		r.cache.Clear(characterID)
	}
}

func (r *Resolver) writeCache(characterID string, tctx schema.TieredContext) error {
	if r.cache == nil {
		return nil
	}
	if n := len(tctx.History); n > MaxCachedHistory {
		tctx.History = tctx.History[n-MaxCachedHistory:]
	}
	return r.cache.Write(characterID, tctx)
}

func (r *Resolver) enqueue(ctx context.Context, characterID string, mem schema.PersistentMemory) {
	if r.syncer == nil {
		return
	}
	userID, err := store.UserFrom(ctx)
	if err != nil {
		r.logger.Warn("resolver: durable write skipped", "character_id", characterID, "err", err)
		return
	}
	r.syncer.Enqueue(Job{UserID: userID, CharacterID: characterID, Memory: mem})
}
