package session_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/cache"
	"github.com/bdobrica/kokoro/internal/kokoro/generation"
	"github.com/bdobrica/kokoro/internal/kokoro/initiative"
	"github.com/bdobrica/kokoro/internal/kokoro/persona"
	"github.com/bdobrica/kokoro/internal/kokoro/prompt"
	"github.com/bdobrica/kokoro/internal/kokoro/resolver"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/session"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

type catalog map[string]schema.Persona

func (c catalog) Get(id string) (schema.Persona, bool) {
	p, ok := c[id]
	return p, ok
}

var quiet = catalog{"mira": {
	ID: "mira", Name: "Mira", Background: "A lighthouse keeper.",
	DefaultMood: "calm", Moods: []schema.Mood{{Name: "calm", ResponseStyle: "quiet"}, {Name: "playful", ResponseStyle: "teasing"}},
}}

// scripted replies with queued texts or errors, in order. When the script
// runs out it echoes "ok".
type scripted struct {
	mu        sync.Mutex
	replies   []any
	requests  []prompt.Request
	proactive []prompt.Request
}

func (b *scripted) next() (*generation.Reply, error) {
	if len(b.replies) == 0 {
		return &generation.Reply{Text: "ok"}, nil
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	switch v := r.(type) {
	case error:
		return nil, v
	case *generation.Reply:
		return v, nil
	default:
		return &generation.Reply{Text: fmt.Sprint(v)}, nil
	}
}

func (b *scripted) Generate(_ context.Context, req prompt.Request) (*generation.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	return b.next()
}

func (b *scripted) Proactive(_ context.Context, req prompt.Request) (*generation.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proactive = append(b.proactive, req)
	return b.next()
}

func (b *scripted) last() prompt.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

// recordingSummariser returns a numbered summary, or blocks until its
// context is cancelled when block is set.
type recordingSummariser struct {
	mu        sync.Mutex
	windows   [][]schema.Message
	block     bool
	cancelled chan struct{}
}

func (r *recordingSummariser) Summarise(ctx context.Context, msgs []schema.Message, _ schema.PersistentMemory) (string, error) {
	r.mu.Lock()
	r.windows = append(r.windows, msgs)
	n := len(r.windows)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		close(r.cancelled)
		return "", ctx.Err()
	}
	return fmt.Sprintf("summary %d", n), nil
}

func (r *recordingSummariser) calls() [][]schema.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows
}

// gatedSummariser ignores cancellation and returns its summary once
// released. It expects a single call.
type gatedSummariser struct {
	started  chan struct{}
	release  chan struct{}
	returned chan struct{}
}

func newGatedSummariser() *gatedSummariser {
	return &gatedSummariser{started: make(chan struct{}), release: make(chan struct{}), returned: make(chan struct{})}
}

func (g *gatedSummariser) Summarise(context.Context, []schema.Message, schema.PersistentMemory) (string, error) {
	close(g.started)
	<-g.release
	defer close(g.returned)
	return "stale summary", nil
}

// gatedBackend holds Generate until released.
type gatedBackend struct {
	*scripted
	entered chan struct{}
	release chan struct{}
}

func newGatedBackend(b *scripted) *gatedBackend {
	return &gatedBackend{scripted: b, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedBackend) Generate(ctx context.Context, req prompt.Request) (*generation.Reply, error) {
	close(g.entered)
	<-g.release
	return g.scripted.Generate(ctx, req)
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

type env struct {
	medium   *cache.MemoryMedium
	store    *store.Memory
	syncer   *resolver.Syncer
	backend  *scripted
	personas resolver.Catalog
}

func newEnv(t *testing.T, personas resolver.Catalog) *env {
	t.Helper()
	st := store.NewMemory()
	sy := resolver.NewSyncer(st, resolver.SyncerConfig{Workers: 1})
	t.Cleanup(sy.Close)
	return &env{medium: cache.NewMemoryMedium(0), store: st, syncer: sy, backend: &scripted{}, personas: personas}
}

func (e *env) open(t *testing.T, mod func(*session.Config)) *session.Session {
	t.Helper()
	r := resolver.New(resolver.Config{
		Cache:    cache.New(e.medium),
		Store:    e.store,
		Syncer:   e.syncer,
		Personas: e.personas,
	})
	cfg := session.Config{
		UserID:      "asha",
		CharacterID: "mira",
		Resolver:    r,
		Backend:     e.backend,
		Quiet:       -1,
		Sleep:       func(context.Context, time.Duration) {},
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := session.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func (e *env) durable(t *testing.T) schema.PersistentMemory {
	t.Helper()
	e.syncer.Flush()
	m, err := e.store.Load(store.WithUser(context.Background(), "asha"), "mira")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.Fatal(err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSend_AshaScenario(t *testing.T) {
	e := newEnv(t, quiet)
	var delays []time.Duration
	var shown []string
	s := e.open(t, func(c *session.Config) {
		c.OnTyping = func(d time.Duration) { delays = append(delays, d) }
		c.OnMessage = func(m schema.Message) { shown = append(shown, m.Text) }
	})
	e.backend.replies = []any{"Nice to meet you, Asha! ||| How is Pune this time of year?"}

	turn, err := s.Send(context.Background(), "Hi, my name is Asha and I live in Pune")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(turn.Replies) != 2 || turn.Category != "" {
		t.Fatalf("turn = %+v", turn)
	}
	if want := []time.Duration{800 * time.Millisecond, 800 * time.Millisecond}; fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
	if len(shown) != 2 || shown[1] != "How is Pune this time of year?" {
		t.Errorf("shown = %q", shown)
	}

	mem := s.Memory()
	if got := strings.Join(mem.Facts, ","); got != "name: Asha,location: Pune" {
		t.Errorf("facts = %q", got)
	}
	if mem.MessageCount != 1 {
		t.Errorf("message_count = %d, want 1", mem.MessageCount)
	}
	if len(s.History()) != 3 {
		t.Errorf("history = %d messages, want 3", len(s.History()))
	}
	if d := e.durable(t); d.MessageCount != 1 || len(d.Facts) != 2 {
		t.Errorf("durable memory = %+v", d)
	}
}

func TestSend_ThoughtsSplit(t *testing.T) {
	e := newEnv(t, quiet)
	s := e.open(t, nil)
	e.backend.replies = []any{"[she seems tired] ||| Long day?"}

	turn, err := s.Send(context.Background(), "hey [I'm exhausted]")
	if err != nil {
		t.Fatal(err)
	}
	if turn.User.Text != "hey" || turn.User.ImplicitThought != "I'm exhausted" {
		t.Errorf("user = %+v", turn.User)
	}
	if !strings.Contains(e.backend.last().Prompt, `privately thinking: "I'm exhausted"`) {
		t.Error("thought side-channel missing from prompt")
	}
	if r := turn.Replies[0]; r.Kind != schema.KindCompanionThought || r.Thought != "she seems tired" {
		t.Errorf("first reply = %+v", r)
	}
	if r := turn.Replies[1]; r.Kind != schema.KindCompanionSpeech || r.Speech != "Long day?" {
		t.Errorf("second reply = %+v", r)
	}
}

func TestSend_GenerationFailureKeepsUserTurn(t *testing.T) {
	e := newEnv(t, quiet)
	s := e.open(t, nil)
	e.backend.replies = []any{&generation.Error{Category: generation.CategoryRateLimit, Status: 429, Err: errors.New("slow down")}}

	turn, err := s.Send(context.Background(), "I live in Pune")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if turn.Category != generation.CategoryRateLimit || len(turn.Replies) != 1 {
		t.Fatalf("turn = %+v", turn)
	}
	if turn.Replies[0].Text != generation.UserMessage(generation.CategoryRateLimit) {
		t.Errorf("error turn = %q", turn.Replies[0].Text)
	}
	h := s.History()
	if len(h) != 2 || h[0].Text != "I live in Pune" {
		t.Errorf("history = %+v", h)
	}
	if mem := s.Memory(); mem.MessageCount != 0 || len(mem.Facts) != 0 {
		t.Errorf("failed turn changed memory: %+v", mem)
	}
}

func TestIncognito_Isolation(t *testing.T) {
	e := newEnv(t, quiet)
	s := e.open(t, func(c *session.Config) {
		c.Custom = &schema.CustomInstructions{Nickname: "Ash"}
	})
	if _, err := s.Send(context.Background(), "I live in Pune"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetIncognito(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !s.Incognito() {
		t.Fatal("incognito not active")
	}
	if _, err := s.Send(context.Background(), "Actually I live in Mumbai and I'm a nurse"); err != nil {
		t.Fatal(err)
	}
	req := e.backend.last()
	if !req.Incognito || req.Memory != nil || req.CustomInstructions != nil {
		t.Errorf("incognito request leaked context: %+v", req)
	}
	if strings.Contains(req.Prompt, "Pune") || strings.Contains(req.Prompt, "Ash") {
		t.Errorf("incognito prompt mentions normal-track details:\n%s", req.Prompt)
	}
	if len(s.History()) != 2 {
		t.Errorf("incognito history = %d, want 2", len(s.History()))
	}

	if err := s.SetIncognito(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	for _, m := range s.History() {
		if strings.Contains(m.Text, "Mumbai") {
			t.Error("incognito message imported into normal track")
		}
	}
	d := e.durable(t)
	if strings.Join(d.Facts, ",") != "location: Pune" || d.MessageCount != 1 {
		t.Errorf("durable memory = %+v", d)
	}
}

func TestSummarization_FiresOnceAt21stMessage(t *testing.T) {
	e := newEnv(t, quiet)
	sum := &recordingSummariser{}
	s := e.open(t, func(c *session.Config) { c.Summariser = sum })

	// Ten turns of one user and one companion message: 20 messages.
	for i := range 10 {
		if _, err := s.Send(context.Background(), fmt.Sprintf("message %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(sum.calls()); n != 0 {
		t.Fatalf("summarized after 20 messages: %d calls", n)
	}

	if _, err := s.Send(context.Background(), "the 21st"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.Memory().Summary == "summary 1" })
	calls := sum.calls()
	if len(calls) != 1 || len(calls[0]) != 20 || calls[0][0].Text != "message 0" {
		t.Fatalf("summariser calls = %d (window %d)", len(calls), len(calls[0]))
	}

	for i := range 4 {
		_, _ = s.Send(context.Background(), fmt.Sprintf("more %d", i))
	}
	if n := len(sum.calls()); n != 1 {
		t.Errorf("summariser calls = %d, want still 1", n)
	}
	waitFor(t, func() bool { return e.durable(t).Summary == "summary 1" })
}

func TestSetIncognito_CancelsLeavingTrackSummary(t *testing.T) {
	e := newEnv(t, quiet)
	sum := &recordingSummariser{block: true, cancelled: make(chan struct{})}
	s := e.open(t, func(c *session.Config) { c.Summariser = sum })
	for i := range 11 {
		_, _ = s.Send(context.Background(), fmt.Sprintf("m%d", i))
	}
	waitFor(t, func() bool { return len(sum.calls()) == 1 })

	if err := s.SetIncognito(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sum.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("normal-track summarization not cancelled")
	}
	_ = s.SetIncognito(context.Background(), false)
	if got := s.Memory().Summary; got != "" {
		t.Errorf("summary = %q, want unchanged", got)
	}
}

func TestOpen_GreetingAndCacheRestore(t *testing.T) {
	e := newEnv(t, persona.Builtin())
	first := e.open(t, func(c *session.Config) { c.CharacterID = "aiko" })
	h := first.History()
	if len(h) != 1 || h[0].Sender != schema.SenderCompanion || h[0].Text != first.Persona().Greeting {
		t.Fatalf("history = %+v, want greeting", h)
	}
	if first.Source() != resolver.SourceDefault {
		t.Errorf("source = %s", first.Source())
	}
	if first.Mood().Name != "cheerful" {
		t.Errorf("mood = %+v", first.Mood())
	}
	if _, err := first.Send(context.Background(), "I love painting"); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second := e.open(t, func(c *session.Config) { c.CharacterID = "aiko" })
	if second.Source() != resolver.SourceCache {
		t.Errorf("source = %s, want cache", second.Source())
	}
	if len(second.History()) != 3 {
		t.Errorf("restored history = %d, want 3", len(second.History()))
	}
	if _, err := first.Send(context.Background(), "hi"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Send on closed session = %v", err)
	}
}

func TestSend_StaleSession(t *testing.T) {
	e := newEnv(t, quiet)
	old := e.open(t, nil)
	_ = e.open(t, nil) // a second tab claims the pair

	turn, err := old.Send(context.Background(), "I live in Pune")
	if !errors.Is(err, cache.ErrStaleSession) {
		t.Fatalf("err = %v, want ErrStaleSession", err)
	}
	if turn == nil || len(turn.Replies) != 1 {
		t.Errorf("turn = %+v, want the delivered reply", turn)
	}
	if d := e.durable(t); d.MessageCount != 0 {
		t.Errorf("stale session persisted: %+v", d)
	}
}

func TestReset(t *testing.T) {
	e := newEnv(t, quiet)
	s := e.open(t, nil)
	_, _ = s.Send(context.Background(), "I live in Pune")
	if err := s.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mem := s.Memory(); len(mem.Facts) != 0 || mem.MessageCount != 0 || len(s.History()) != 0 {
		t.Errorf("after reset: memory=%+v history=%d", mem, len(s.History()))
	}
	if d := e.durable(t); len(d.Facts) != 0 {
		t.Errorf("durable memory survived reset: %+v", d)
	}
}

func TestSetMood(t *testing.T) {
	e := newEnv(t, quiet)
	s := e.open(t, nil)
	if err := s.SetMood("playful"); err != nil {
		t.Fatal(err)
	}
	_, _ = s.Send(context.Background(), "hello")
	if req := e.backend.last(); req.Mood.Name != "playful" || !strings.Contains(req.Prompt, "teasing") {
		t.Errorf("mood not applied: %+v", req.Mood)
	}
	if err := s.SetMood("furious"); err == nil {
		t.Error("expected error for unknown mood")
	}
}

func TestInactivityTimer_InsertsProactiveTurn(t *testing.T) {
	e := newEnv(t, quiet)
	var (
		mu  sync.Mutex
		fns []func()
	)
	after := func(_ time.Duration, f func()) func() bool {
		mu.Lock()
		defer mu.Unlock()
		fns = append(fns, f)
		return func() bool { return true }
	}
	s := e.open(t, func(c *session.Config) {
		c.Quiet = 0
		c.After = after
	})
	_, _ = s.Send(context.Background(), "I live in Pune")
	if err := s.Touch(initiative.SignalScroll); err != nil {
		t.Fatal(err)
	}
	if err := s.Touch("wink"); err == nil {
		t.Error("expected error for unknown signal")
	}

	e.backend.replies = []any{"Still there? How's Pune?"}
	mu.Lock()
	latest := fns[len(fns)-1]
	mu.Unlock()
	latest()

	h := s.History()
	if last := h[len(h)-1]; last.Sender != schema.SenderCompanion || last.Text != "Still there? How's Pune?" {
		t.Errorf("last message = %+v", last)
	}
	if len(e.backend.proactive) != 1 || !strings.Contains(e.backend.proactive[0].Prompt, "quiet for a while") {
		t.Errorf("proactive requests = %d", len(e.backend.proactive))
	}
	if mem := s.Memory(); mem.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2 (proactive turn recorded)", mem.MessageCount)
	}
}

func TestSend_ThoughtOnlyTurnHasNoText(t *testing.T) {
	e := newEnv(t, quiet)
	s := e.open(t, nil)

	turn, err := s.Send(context.Background(), "[I wish she would ask about my day]")
	if err != nil {
		t.Fatal(err)
	}
	if turn.User.Text != "" || turn.User.ImplicitThought != "I wish she would ask about my day" {
		t.Errorf("user = %+v", turn.User)
	}
	if h := s.History(); h[0].Text != "" || strings.Contains(h[0].Text, "[") {
		t.Errorf("stored user turn = %+v", h[0])
	}
	if p := e.backend.last().Prompt; !strings.Contains(p, "privately thinking") || strings.Contains(p, "User: [") {
		t.Errorf("prompt = %s", p)
	}

	_, _ = s.Send(context.Background(), "so, how was yours?")
	if p := e.backend.last().Prompt; strings.Contains(p, "User: \n") || strings.Contains(p, "wish she would ask") {
		t.Errorf("thought-only turn rendered in history:\n%s", p)
	}
}

func TestReset_DropsSummaryFinishedMeanwhile(t *testing.T) {
	e := newEnv(t, quiet)
	sum := newGatedSummariser()
	var (
		s         *session.Session
		hold      atomic.Bool
		resetDone = make(chan error, 1)
	)
	s = e.open(t, func(c *session.Config) {
		c.Summariser = sum
		// OnMessage runs with the session lock held. Queue a Reset on the
		// lock first, then let the summary finish so that applying it
		// queues behind the Reset.
		c.OnMessage = func(schema.Message) {
			if !hold.CompareAndSwap(true, false) {
				return
			}
			go func() { resetDone <- s.Reset(context.Background()) }()
			time.Sleep(20 * time.Millisecond)
			close(sum.release)
			<-sum.returned
			time.Sleep(20 * time.Millisecond)
		}
	})
	for i := range 11 {
		_, _ = s.Send(context.Background(), fmt.Sprintf("m%d", i))
	}
	wait(t, sum.started, "summarization to start")

	hold.Store(true)
	if err := s.InsertProactive(context.Background(), "still there?"); err != nil {
		t.Fatal(err)
	}
	if err := <-resetDone; err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(context.Background(), "starting over"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if mem := s.Memory(); mem.Summary != "" || mem.MessageCount != 1 {
		t.Errorf("session memory after reset = %+v", mem)
	}
	if d := e.durable(t); d.Summary != "" || d.MessageCount != 1 {
		t.Errorf("durable memory after reset = %+v", d)
	}
}

func TestSend_LockReleasedWhileGenerating(t *testing.T) {
	e := newEnv(t, quiet)
	gate := newGatedBackend(e.backend)
	s := e.open(t, func(c *session.Config) { c.Backend = gate })
	e.backend.replies = []any{"Once upon a time..."}

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "tell me a long story")
		done <- err
	}()
	wait(t, gate.entered, "generation")

	if err := s.Touch(initiative.SignalScroll); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertProactive(context.Background(), "hmm, let me think"); err != nil {
		t.Fatal(err)
	}
	if h := s.History(); len(h) != 2 || h[1].Text != "hmm, let me think" {
		t.Errorf("history while generating = %+v", h)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	h := s.History()
	if len(h) != 3 || h[2].Text != "Once upon a time..." {
		t.Errorf("history = %+v", h)
	}
}

func TestSend_ResetWhileGenerating(t *testing.T) {
	e := newEnv(t, quiet)
	gate := newGatedBackend(e.backend)
	s := e.open(t, func(c *session.Config) { c.Backend = gate })

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "I live in Pune")
		done <- err
	}()
	wait(t, gate.entered, "generation")
	if err := s.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(gate.release)

	if err := <-done; !errors.Is(err, session.ErrInterrupted) {
		t.Fatalf("Send error = %v, want ErrInterrupted", err)
	}
	if h := s.History(); len(h) != 0 {
		t.Errorf("reset track picked up the interrupted turn: %+v", h)
	}
	if d := e.durable(t); d.MessageCount != 0 || len(d.Facts) != 0 {
		t.Errorf("interrupted turn persisted: %+v", d)
	}
}
