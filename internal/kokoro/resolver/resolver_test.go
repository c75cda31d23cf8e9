package resolver

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/cache"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

type catalog map[string]schema.Persona

func (c catalog) Get(id string) (schema.Persona, bool) {
	p, ok := c[id]
	return p, ok
}

var personas = catalog{"aiko": {ID: "aiko", Name: "Aiko", Background: "barista"}}

// countingStore wraps a store and counts calls.
type countingStore struct {
	store.Store
	mu    sync.Mutex
	loads int
	saves int
	err   error
}

func (s *countingStore) Load(ctx context.Context, id string) (schema.PersistentMemory, error) {
	s.mu.Lock()
	s.loads++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return schema.PersistentMemory{}, err
	}
	return s.Store.Load(ctx, id)
}

func (s *countingStore) Save(ctx context.Context, id string, m schema.PersistentMemory) error {
	s.mu.Lock()
	s.saves++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Save(ctx, id, m)
}

type fixture struct {
	resolver *Resolver
	cache    *cache.Cache
	store    *countingStore
	syncer   *Syncer
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := &countingStore{Store: store.NewMemory()}
	sy := NewSyncer(st, SyncerConfig{Workers: 1})
	t.Cleanup(sy.Close)
	c := cache.New(cache.NewMemoryMedium(0))
	return &fixture{
		resolver: New(Config{Cache: c, Store: st, Syncer: sy, Personas: personas}),
		cache:    c,
		store:    st,
		syncer:   sy,
		ctx:      store.WithUser(context.Background(), "user-a"),
	}
}

func TestLoad_FreshCharacterGetsDefaults(t *testing.T) {
	f := newFixture(t)
	tctx, src, err := f.resolver.Load(f.ctx, "aiko", ModeNormal)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src != SourceDefault {
		t.Errorf("source = %s, want default", src)
	}
	if tctx.Memory.RelationshipStatus != "just met" || tctx.Memory.MessageCount != 0 || len(tctx.Memory.Facts) != 0 {
		t.Errorf("memory = %+v, want defaults", tctx.Memory)
	}
	if tctx.Persona.Name != "Aiko" {
		t.Errorf("persona not merged: %+v", tctx.Persona)
	}
	if _, hit := f.cache.Read("aiko"); !hit {
		t.Error("default context was not cached")
	}
}

func TestLoad_FallbackOrder(t *testing.T) {
	f := newFixture(t)
	stored := schema.DefaultMemory()
	stored.Facts = []string{"name: Asha"}
	stored.MessageCount = 5
	if err := f.store.Store.Save(f.ctx, "aiko", stored); err != nil {
		t.Fatal(err)
	}

	tctx, src, _ := f.resolver.Load(f.ctx, "aiko", ModeNormal)
	if src != SourceStore || tctx.Memory.MessageCount != 5 {
		t.Fatalf("first load: source=%s count=%d, want store/5", src, tctx.Memory.MessageCount)
	}

	_, src, _ = f.resolver.Load(f.ctx, "aiko", ModeNormal)
	if src != SourceCache {
		t.Errorf("second load source = %s, want cache", src)
	}
	if f.store.loads != 1 {
		t.Errorf("store loads = %d, want 1", f.store.loads)
	}

	f.resolver.Invalidate("aiko")
	_, src, _ = f.resolver.Load(f.ctx, "aiko", ModeNormal)
	if src != SourceStore {
		t.Errorf("after Invalidate source = %s, want store", src)
	}
}

func TestLoad_StoreFailureFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("connection refused")
	tctx, src, err := f.resolver.Load(f.ctx, "aiko", ModeNormal)
	if err != nil {
		t.Fatalf("store failure surfaced: %v", err)
	}
	if src != SourceDefault || tctx.Memory.RelationshipStatus != schema.DefaultRelationship {
		t.Errorf("source=%s memory=%+v", src, tctx.Memory)
	}
}

func TestLoad_UnknownPersona(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.resolver.Load(f.ctx, "nobody", ModeNormal); !errors.Is(err, ErrUnknownPersona) {
		t.Errorf("err = %v, want ErrUnknownPersona", err)
	}
}

func TestLoad_WorksWithoutCacheOrStore(t *testing.T) {
	r := New(Config{Personas: personas})
	tctx, src, err := r.Load(context.Background(), "aiko", ModeNormal)
	if err != nil || src != SourceDefault || tctx.Memory.MessageCount != 0 {
		t.Fatalf("Load = %v, %s, %v", tctx.Memory, src, err)
	}
	m := schema.NewMessage(schema.SenderUser, "I live in Pune", time.Now())
	if err := r.RecordTurn(context.Background(), &tctx, ModeNormal, m, m); err != nil {
		t.Fatal(err)
	}
	if tctx.Memory.MessageCount != 1 {
		t.Errorf("count = %d", tctx.Memory.MessageCount)
	}
}

func TestRecordTurn_AshaScenario(t *testing.T) {
	f := newFixture(t)
	tctx, _, _ := f.resolver.Load(f.ctx, "aiko", ModeNormal)

	now := time.Now()
	user := schema.NewMessage(schema.SenderUser, "My name is Asha and I live in Pune.", now)
	reply := schema.NewMessage(schema.SenderCompanion, "Nice to meet you, Asha!", now)
	if err := f.resolver.RecordTurn(f.ctx, &tctx, ModeNormal, user, reply); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	want := []string{"name: Asha", "location: Pune"}
	if !reflect.DeepEqual(tctx.Memory.Facts, want) {
		t.Errorf("Facts = %#v, want %#v", tctx.Memory.Facts, want)
	}
	if tctx.Memory.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", tctx.Memory.MessageCount)
	}

	cached, hit := f.cache.Read("aiko")
	if !hit || cached.Memory.MessageCount != 1 {
		t.Errorf("cache not rewritten synchronously: hit=%v count=%d", hit, cached.Memory.MessageCount)
	}

	f.syncer.Flush()
	stored, err := f.store.Store.Load(f.ctx, "aiko")
	if err != nil {
		t.Fatalf("durable memory missing: %v", err)
	}
	if !reflect.DeepEqual(stored.Facts, want) || stored.MessageCount != 1 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestRecordTurn_DurableFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	tctx, _, _ := f.resolver.Load(f.ctx, "aiko", ModeNormal)
	f.store.err = errors.New("timeout")

	m := schema.NewMessage(schema.SenderUser, "hi", time.Now())
	if err := f.resolver.RecordTurn(f.ctx, &tctx, ModeNormal, m, m); err != nil {
		t.Fatalf("RecordTurn surfaced durable failure: %v", err)
	}
	f.syncer.Flush()
	if f.store.saves != 1 {
		t.Errorf("saves = %d, want exactly one attempt", f.store.saves)
	}
	if cached, _ := f.cache.Read("aiko"); cached.Memory.MessageCount != 1 {
		t.Error("cache should still hold the update")
	}
}

func TestIncognito_NeverCachedOrPersisted(t *testing.T) {
	f := newFixture(t)
	stored := schema.DefaultMemory()
	stored.Facts = []string{"name: Asha"}
	stored.MessageCount = 3
	_ = f.store.Store.Save(f.ctx, "aiko", stored)

	tctx, src, err := f.resolver.Load(f.ctx, "aiko", ModeIncognito)
	if err != nil {
		t.Fatal(err)
	}
	if src != SourceIncognito || len(tctx.Memory.Facts) != 0 || tctx.Memory.MessageCount != 0 {
		t.Fatalf("incognito load leaked memory: src=%s %+v", src, tctx.Memory)
	}

	now := time.Now()
	user := schema.NewMessage(schema.SenderUser, "I live in Mumbai", now)
	reply := schema.NewMessage(schema.SenderCompanion, "Oh, nice!", now)
	if err := f.resolver.RecordTurn(f.ctx, &tctx, ModeIncognito, user, reply); err != nil {
		t.Fatal(err)
	}
	f.syncer.Flush()

	got, _ := f.store.Store.Load(f.ctx, "aiko")
	if !reflect.DeepEqual(got.Facts, []string{"name: Asha"}) || got.MessageCount != 3 {
		t.Errorf("incognito turn reached the durable store: %+v", got)
	}
	if f.store.saves != 0 || f.store.loads != 0 {
		t.Errorf("incognito touched the store: loads=%d saves=%d", f.store.loads, f.store.saves)
	}
	if _, hit := f.cache.Read("aiko"); hit {
		t.Error("incognito context was cached")
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	tctx, _, _ := f.resolver.Load(f.ctx, "aiko", ModeNormal)
	m := schema.NewMessage(schema.SenderUser, "I live in Pune", time.Now())
	_ = f.resolver.RecordTurn(f.ctx, &tctx, ModeNormal, m, m)
	f.syncer.Flush()

	if err := f.resolver.Reset(f.ctx, "aiko"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	tctx, src, _ := f.resolver.Load(f.ctx, "aiko", ModeNormal)
	if src != SourceDefault || tctx.Memory.MessageCount != 0 || len(tctx.Memory.Facts) != 0 {
		t.Errorf("after reset: src=%s memory=%+v", src, tctx.Memory)
	}
}

func TestRecordTurn_StaleSession(t *testing.T) {
	f := newFixture(t)

	// Two tabs share one medium; the second claims the character last.
	medium := cache.NewMemoryMedium(0)
	first := cache.New(medium, cache.WithToken("tab-1"))
	second := cache.New(medium, cache.WithToken("tab-2"))
	r1 := New(Config{Cache: first, Store: f.store, Syncer: f.syncer, Personas: personas})
	r2 := New(Config{Cache: second, Store: f.store, Syncer: f.syncer, Personas: personas})

	tctx, _, _ := r1.Load(f.ctx, "aiko", ModeNormal)
	_, _, _ = r2.Load(f.ctx, "aiko", ModeNormal)

	m := schema.NewMessage(schema.SenderUser, "hi", time.Now())
	if err := r1.RecordTurn(f.ctx, &tctx, ModeNormal, m, m); !errors.Is(err, cache.ErrStaleSession) {
		t.Fatalf("err = %v, want ErrStaleSession", err)
	}
	f.syncer.Flush()
	if f.store.saves != 0 {
		t.Errorf("stale session queued a durable write")
	}
}
