package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/initiative"
	"github.com/bdobrica/kokoro/internal/kokoro/persona"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
	"github.com/bdobrica/kokoro/internal/kokoro/store/remote"
)

type failingLedger struct{ initiative.Ledger }

func (failingLedger) Seen(context.Context, string, string, string, time.Time) error {
	return errors.New("ledger offline")
}

func putMemory(t *testing.T, api *memoryAPI, characterID string) int {
	t.Helper()
	hs := NewHealthServer("", nil)
	api.register(hs)
	req := httptest.NewRequest(http.MethodPut, "/v1/memory/"+characterID,
		strings.NewReader(`{"facts":["name: Asha"],"message_count":3}`))
	req.Header.Set(remote.UserHeader, "asha")
	rec := httptest.NewRecorder()
	hs.ServeHTTP(rec, req)
	return rec.Code
}

func TestMemoryAPI_PutRecordsPresence(t *testing.T) {
	q := initiative.NewMemoryQueue()
	seenAt := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	ctx := context.Background()
	if err := q.Seen(ctx, "asha", "aiko", "Asia/Kolkata", seenAt.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	api := &memoryAPI{
		store:    store.NewMemory(),
		personas: persona.Builtin(),
		ledger:   q,
		logger:   slog.New(slog.DiscardHandler),
		now:      func() time.Time { return seenAt },
	}

	if code := putMemory(t, api, "aiko"); code != http.StatusNoContent {
		t.Fatalf("status = %d", code)
	}
	idle, err := q.Idle(ctx, seenAt.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 {
		t.Fatalf("presence = %+v", idle)
	}
	if p := idle[0]; !p.LastSeen.Equal(seenAt) || p.Timezone != "Asia/Kolkata" {
		t.Errorf("presence = %+v, want last seen at the write with the stored timezone", p)
	}
}

func TestMemoryAPI_PresenceFailureDoesNotFailWrite(t *testing.T) {
	st := store.NewMemory()
	api := &memoryAPI{
		store:    st,
		personas: persona.Builtin(),
		ledger:   failingLedger{},
		logger:   slog.New(slog.DiscardHandler),
	}
	if code := putMemory(t, api, "aiko"); code != http.StatusNoContent {
		t.Fatalf("status = %d", code)
	}
	m, err := st.Load(store.WithUser(context.Background(), "asha"), "aiko")
	if err != nil || m.MessageCount != 3 {
		t.Errorf("saved memory = %+v, err = %v", m, err)
	}
}
