package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/kokoro/common/trace"
	"github.com/bdobrica/kokoro/internal/kokoro/initiative"
	"github.com/bdobrica/kokoro/internal/kokoro/observability"
	"github.com/bdobrica/kokoro/internal/kokoro/persona"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
	"github.com/bdobrica/kokoro/internal/kokoro/store/remote"
)

const maxMemoryBody = 1 << 20

// memoryAPI serves the durable memory of (user, character) pairs. The user
// comes from the X-Kokoro-User header; authentication is left to whatever
// sits in front of the server. A memory write means the user is chatting,
// so it also refreshes the pair's presence in ledger.
type memoryAPI struct {
	store    store.Store
	personas *persona.Registry
	ledger   initiative.Ledger
	logger   *slog.Logger
	now      func() time.Time
}

func (a *memoryAPI) register(hs *HealthServer) {
	hs.Handle("GET /v1/memory/{characterID}", a.traced(a.handleGet))
	hs.Handle("PUT /v1/memory/{characterID}", a.traced(a.handlePut))
	hs.Handle("DELETE /v1/memory/{characterID}", a.traced(a.handleDelete))
	hs.Handle("GET /v1/personas", a.traced(a.handlePersonas))
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// traced tags the request with a turn id and logs its outcome.
func (a *memoryAPI) traced(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := trace.Ensure(r.Context())
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		h(rec, r.WithContext(ctx))
		observability.WithTrace(ctx, a.logger).Debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"elapsed", time.Since(start).String(),
		)
	})
}

// pair resolves the user and character of a memory request, writing the
// error response when either is missing or unknown.
func (a *memoryAPI) pair(w http.ResponseWriter, r *http.Request) (*http.Request, string, bool) {
	userID := r.Header.Get(remote.UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+remote.UserHeader+" header")
		return nil, "", false
	}
	characterID := r.PathValue("characterID")
	if _, ok := a.personas.Get(characterID); !ok {
		writeError(w, http.StatusNotFound, "unknown persona")
		return nil, "", false
	}
	return r.WithContext(store.WithUser(r.Context(), userID)), characterID, true
}

func (a *memoryAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	r, characterID, ok := a.pair(w, r)
	if !ok {
		return
	}
	m, err := a.store.Load(r.Context(), characterID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no memory for this pair")
	case err != nil:
		a.logger.Error("http: load memory failed", "character_id", characterID, "err", err)
		writeError(w, http.StatusInternalServerError, "load failed")
	default:
		writeJSON(w, http.StatusOK, m)
	}
}

func (a *memoryAPI) handlePut(w http.ResponseWriter, r *http.Request) {
	r, characterID, ok := a.pair(w, r)
	if !ok {
		return
	}
	var m schema.PersistentMemory
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMemoryBody)).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory document")
		return
	}
	if err := a.store.Save(r.Context(), characterID, m.Normalize()); err != nil {
		a.logger.Error("http: save memory failed", "character_id", characterID, "err", err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	a.seen(r, characterID)
	w.WriteHeader(http.StatusNoContent)
}

// seen records activity for the pair. The stored timezone is kept.
func (a *memoryAPI) seen(r *http.Request, characterID string) {
	if a.ledger == nil {
		return
	}
	userID, _ := store.UserFrom(r.Context())
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	if err := a.ledger.Seen(r.Context(), userID, characterID, "", now()); err != nil {
		observability.WithTrace(r.Context(), a.logger).Warn("http: record presence failed",
			"character_id", characterID, "err", err)
	}
}

func (a *memoryAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	r, characterID, ok := a.pair(w, r)
	if !ok {
		return
	}
	if err := a.store.Reset(r.Context(), characterID); err != nil {
		a.logger.Error("http: reset memory failed", "character_id", characterID, "err", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *memoryAPI) handlePersonas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.personas.List())
}
