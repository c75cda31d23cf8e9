package cache

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func sampleContext(t0 time.Time) schema.TieredContext {
	mem := schema.DefaultMemory()
	mem.Facts = append(mem.Facts, "name: Asha", "location: Pune")
	mem.UserPreferences["drink"] = "chai"
	mem.KeyEvents = append(mem.KeyEvents, schema.KeyEvent{Timestamp: t0, Description: "visited the temple"})
	mem.MessageCount = 4
	tc := schema.Merge(schema.Persona{
		ID:         "aiko",
		Name:       "Aiko",
		Background: "barista",
		Traits:     []string{"warm"},
		Moods:      []schema.Mood{{Name: "calm", ResponseStyle: "slow"}},
	}, mem, t0)
	tc.History = []schema.Message{{ID: "m1", Text: "hi", Sender: schema.SenderUser, Timestamp: t0, Kind: schema.KindUser}}
	return tc
}

func TestCache_RoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := New(NewMemoryMedium(0), WithClock(clock.Now))
	want := sampleContext(clock.t)

	if err := c.Write("aiko", want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, ok := c.Read("aiko")
	if !ok {
		t.Fatal("Read: miss, want hit")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestCache_TTL(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantHit bool
	}{
		{"fresh", 0, true},
		{"just before ttl", TTL - time.Second, true},
		{"at ttl", TTL, true},
		{"just after ttl", TTL + time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
			medium := NewMemoryMedium(0)
			c := New(medium, WithClock(clock.Now))
			_ = c.Write("aiko", sampleContext(clock.t))

			clock.Advance(tt.elapsed)
			_, hit := c.Read("aiko")
			if hit != tt.wantHit {
				t.Fatalf("hit = %v, want %v", hit, tt.wantHit)
			}
			if !tt.wantHit {
				if _, err := medium.Get(KeyPrefix + "aiko"); !errors.Is(err, ErrNoKey) {
					t.Errorf("expired entry not evicted: err=%v", err)
				}
			}
		})
	}
}

func TestCache_ClearAndClearAll(t *testing.T) {
	medium := NewMemoryMedium(0)
	_ = medium.Set("unrelated", []byte("keep"))
	c := New(medium)
	now := time.Now()
	_ = c.Write("aiko", sampleContext(now))
	_ = c.Write("ren", sampleContext(now))

	c.Clear("aiko")
	if _, ok := c.Read("aiko"); ok {
		t.Error("Clear: entry still present")
	}
	if _, ok := c.Read("ren"); !ok {
		t.Error("Clear removed another character")
	}

	c.ClearAll()
	if _, ok := c.Read("ren"); ok {
		t.Error("ClearAll: entry still present")
	}
	if v, err := medium.Get("unrelated"); err != nil || string(v) != "keep" {
		t.Errorf("ClearAll touched a key outside the namespace: %q, %v", v, err)
	}
}

func TestCache_DegradesWhenMediumUnavailable(t *testing.T) {
	medium := NewMemoryMedium(0)
	c := New(medium)
	medium.Disable()

	if err := c.Write("aiko", sampleContext(time.Now())); err != nil {
		t.Fatalf("Write on disabled medium returned %v", err)
	}
	if _, ok := c.Read("aiko"); ok {
		t.Error("Read on disabled medium should miss")
	}
	c.Clear("aiko")
	c.ClearAll()
	c.Claim("aiko")
}

func TestCache_QuotaExceededIsANoop(t *testing.T) {
	c := New(NewMemoryMedium(16))
	if err := c.Write("aiko", sampleContext(time.Now())); err != nil {
		t.Fatalf("Write over quota returned %v", err)
	}
	if _, ok := c.Read("aiko"); ok {
		t.Error("entry over quota should not be stored")
	}
}

func TestCache_CorruptEntryIsEvicted(t *testing.T) {
	medium := NewMemoryMedium(0)
	_ = medium.Set(KeyPrefix+"aiko", []byte("{not json"))
	c := New(medium)
	if _, ok := c.Read("aiko"); ok {
		t.Fatal("corrupt entry should miss")
	}
	if _, err := medium.Get(KeyPrefix + "aiko"); !errors.Is(err, ErrNoKey) {
		t.Error("corrupt entry not evicted")
	}
}

func TestCache_StaleSessionRejected(t *testing.T) {
	medium := NewMemoryMedium(0)
	first := New(medium, WithToken("tab-1"))
	second := New(medium, WithToken("tab-2"))
	now := time.Now()

	first.Claim("aiko")
	if err := first.Write("aiko", sampleContext(now)); err != nil {
		t.Fatalf("owner write: %v", err)
	}

	second.Claim("aiko")
	newer := sampleContext(now)
	newer.Memory.MessageCount = 99
	if err := second.Write("aiko", newer); err != nil {
		t.Fatalf("new owner write: %v", err)
	}

	stale := sampleContext(now)
	stale.Memory.MessageCount = 1
	if err := first.Write("aiko", stale); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("stale write err = %v, want ErrStaleSession", err)
	}

	got, ok := first.Read("aiko")
	if !ok {
		t.Fatal("reads are never blocked by ownership")
	}
	if got.Memory.MessageCount != 99 {
		t.Errorf("MessageCount = %d, want owner's 99", got.Memory.MessageCount)
	}
}

func TestCache_UnclaimedWritesAllowed(t *testing.T) {
	c := New(NewMemoryMedium(0))
	if err := c.Write("aiko", sampleContext(time.Now())); err != nil {
		t.Fatalf("unclaimed Write: %v", err)
	}
	if owner, ok := c.Owner("aiko"); ok {
		t.Errorf("unexpected owner %q", owner)
	}
}

func TestDirMedium(t *testing.T) {
	d, err := NewDirMedium(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := New(d)
	want := sampleContext(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	_ = c.Write("aiko", want)

	reopened := New(d)
	got, ok := reopened.Read("aiko")
	if !ok || !reflect.DeepEqual(got, want) {
		t.Fatalf("DirMedium round trip: ok=%v", ok)
	}
	reopened.ClearAll()
	keys, _ := d.Keys()
	if len(keys) != 0 {
		t.Errorf("keys after ClearAll = %v", keys)
	}
}
