// Package session drives one conversation between a user and a companion:
// it owns the normal and incognito tracks, builds prompts, calls the
// generation backend, paces multi-part replies, records turns through the
// resolver, triggers summarization and hosts the inactivity timer.
//
// A Session is the single writer for its (user, character) pair.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bdobrica/kokoro/common/redact"
	"github.com/bdobrica/kokoro/common/trace"
	"github.com/bdobrica/kokoro/internal/kokoro/generation"
	"github.com/bdobrica/kokoro/internal/kokoro/initiative"
	"github.com/bdobrica/kokoro/internal/kokoro/observability"
	"github.com/bdobrica/kokoro/internal/kokoro/prompt"
	"github.com/bdobrica/kokoro/internal/kokoro/resolver"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
	"github.com/bdobrica/kokoro/internal/kokoro/summary"
)

// ErrClosed is returned by calls on a closed session.
var ErrClosed = errors.New("session: closed")

// ErrInterrupted is returned by Send when the conversation was reset or
// switched tracks while the reply was being generated.
var ErrInterrupted = errors.New("session: turn interrupted")

// Config wires a Session.
type Config struct {
	UserID      string
	CharacterID string
	Resolver    *resolver.Resolver
	Backend     generation.Backend
	// Summariser is optional; nil disables summarization.
	Summariser summary.Summariser
	// Custom instructions apply to the normal track only.
	Custom *schema.CustomInstructions
	// Mood is the initial mood name; empty selects the persona default.
	Mood string

	// Quiet overrides initiative.QuietPeriod. Negative disables the
	// inactivity timer.
	Quiet time.Duration
	// After overrides the inactivity timer's scheduler.
	After initiative.AfterFunc

	// OnTyping is called before each reply part with its typing delay.
	OnTyping func(delay time.Duration)
	// OnMessage is called for every companion message as it is delivered,
	// including proactive and error turns.
	OnMessage func(msg schema.Message)

	Logger *slog.Logger
	Now    func() time.Time
	// Sleep waits between reply parts. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// Turn is the outcome of one Send.
type Turn struct {
	User    schema.Message
	Replies []schema.Message
	// Category is set when generation failed and Replies holds the single
	// error turn.
	Category       generation.Category
	AffectionDelta *int
	QuestTrigger   bool
}

// track is one conversation stream. The normal and incognito tracks never
// share messages.
type track struct {
	mode    resolver.Mode
	tctx    schema.TieredContext
	source  resolver.Source
	tracker summary.Tracker
	runner  *summary.Runner
}

// Session is one open conversation.
type Session struct {
	cfg    Config
	logger *slog.Logger

	// bg outlives individual calls: summaries and proactive requests run
	// on it and it is cancelled by Close.
	bg     context.Context
	cancel context.CancelFunc
	timer  *initiative.Timer

	// sendMu serializes Send; mu guards the fields below.
	sendMu    sync.Mutex
	mu        sync.Mutex
	normal    *track
	incognito *track
	active    *track
	mood      schema.Mood
	closed    bool
	// retired runners belong to tracks replaced by Reset; Close waits
	// for them too.
	retired []*summary.Runner
}

// New validates cfg and returns an unopened session.
func New(cfg Config) (*Session, error) {
	if cfg.UserID == "" || cfg.CharacterID == "" {
		return nil, errors.New("session: user and character are required")
	}
	if cfg.Resolver == nil || cfg.Backend == nil {
		return nil, errors.New("session: resolver and backend are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	bg, cancel := context.WithCancel(store.WithUser(context.Background(), cfg.UserID))
	return &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("user_id", cfg.UserID, "character_id", cfg.CharacterID),
		bg:     bg,
		cancel: cancel,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Open loads the normal track through the resolver's fallback sequence and
// starts the inactivity timer. A fresh conversation opens with the
// persona's greeting.
func (s *Session) Open(ctx context.Context) error {
	ctx = store.WithUser(ctx, s.cfg.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	normal, err := s.loadTrack(ctx, resolver.ModeNormal)
	if err != nil {
		return err
	}
	s.normal, s.active = normal, normal

	mood, ok := normal.tctx.Persona.Mood(s.cfg.Mood)
	if !ok && s.cfg.Mood != "" {
		return fmt.Errorf("session: persona %s has no mood %q", s.cfg.CharacterID, s.cfg.Mood)
	}
	s.mood = mood

	if len(normal.tctx.History) == 0 && normal.tctx.Persona.Greeting != "" {
		greeting := schema.NewMessage(schema.SenderCompanion, normal.tctx.Persona.Greeting, s.cfg.Now())
		normal.tctx.History = append(normal.tctx.History, greeting)
		if err := s.cfg.Resolver.Persist(ctx, &normal.tctx, resolver.ModeNormal); err != nil {
			return fmt.Errorf("session: open: %w", err)
		}
	}

	s.logger.Info("session: opened",
		"source", normal.source,
		"message_count", normal.tctx.Memory.MessageCount,
		"history", len(normal.tctx.History),
	)

	if s.cfg.Quiet >= 0 {
		s.timer = initiative.NewTimer(initiative.TimerConfig{
			Quiet:   s.cfg.Quiet,
			Request: s.requestProactive,
			Insert:  s.insertProactive,
			Logger:  s.logger,
			After:   s.cfg.After,
		})
		_ = s.timer.Touch(initiative.SignalFocus)
	}
	return nil
}

func (s *Session) loadTrack(ctx context.Context, mode resolver.Mode) (*track, error) {
	tctx, source, err := s.cfg.Resolver.Load(ctx, s.cfg.CharacterID, mode)
	if err != nil {
		return nil, fmt.Errorf("session: load %s track: %w", mode, err)
	}
	t := &track{mode: mode, tctx: tctx, source: source}
	// A history restored from the cache was already accounted for.
	t.tracker.Seed(tctx.History)
	if s.cfg.Summariser != nil {
		t.runner = summary.NewRunner(s.cfg.Summariser, s.logger)
	}
	return t, nil
}

// Send submits a user turn and returns the companion's reply. A generation
// failure is not an error: the user turn is kept and Turn carries a single
// companion-style error message. Errors are returned only when no turn
// could be recorded.
//
// Turns are serialized. The session lock is released while the backend
// generates and between paced reply parts, so activity signals, proactive
// inserts and Close are not held up by a slow reply. A Reset or track
// switch that lands meanwhile abandons the turn with ErrInterrupted.
func (s *Session) Send(ctx context.Context, text string) (*Turn, error) {
	ctx = trace.Ensure(store.WithUser(ctx, s.cfg.UserID))
	log := observability.WithTrace(ctx, s.logger)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.active == nil {
		s.mu.Unlock()
		return nil, errors.New("session: not open")
	}
	timer := s.timer
	tr := s.active
	now := s.cfg.Now()
	// A turn that is only a thought keeps an empty Text; the thought
	// travels in ImplicitThought.
	speech, thought := prompt.ExtractThought(text)
	user := schema.NewMessage(schema.SenderUser, speech, now)
	user.ImplicitThought = thought

	req := prompt.Build(s.input(tr, text, false))
	s.observe(tr)
	tr.tctx.History = append(tr.tctx.History, user)
	s.mu.Unlock()

	if timer != nil {
		_ = timer.Touch(initiative.SignalMessage)
	}

	log.Debug("session: generating",
		"mode", tr.mode,
		"chars", len(text),
		"preview", redact.Preview(speech, 0),
	)
	reply, err := s.cfg.Backend.Generate(ctx, req)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.current(tr); err != nil {
			return nil, err
		}
		return s.failTurn(ctx, log, tr, user, err)
	}

	turn := &Turn{User: user, AffectionDelta: reply.AffectionDelta, QuestTrigger: reply.QuestTrigger}
	parts := prompt.SplitReply(reply.Text)
	for i, part := range parts {
		delay := prompt.Pacing(part)
		if i == 0 && reply.TypingDelay > 0 {
			delay = reply.TypingDelay
		}
		if s.cfg.OnTyping != nil {
			s.cfg.OnTyping(delay)
		}
		s.cfg.Sleep(ctx, delay)

		s.mu.Lock()
		if err := s.current(tr); err != nil {
			s.mu.Unlock()
			return turn, err
		}
		msg := companionMessage(part, s.cfg.Now())
		s.deliver(tr, msg)
		s.mu.Unlock()
		turn.Replies = append(turn.Replies, msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.current(tr); err != nil {
		return turn, err
	}
	if len(turn.Replies) == 0 {
		return s.failTurn(ctx, log, tr, user, errors.New("session: empty reply"))
	}

	final := turn.Replies[len(turn.Replies)-1]
	if err := s.cfg.Resolver.RecordTurn(ctx, &tr.tctx, tr.mode, user, final); err != nil {
		return turn, fmt.Errorf("session: record turn: %w", err)
	}
	return turn, nil
}

// current reports whether tr is still the active track. Must be
// called with mu held.
func (s *Session) current(tr *track) error {
	if s.closed {
		return ErrClosed
	}
	if tr != s.active {
		return ErrInterrupted
	}
	return nil
}

// failTurn keeps the user turn and adds one error turn for the category.
func (s *Session) failTurn(ctx context.Context, log *slog.Logger, tr *track, user schema.Message, cause error) (*Turn, error) {
	category := generation.Classify(cause)
	if category == "" {
		category = generation.CategoryUnknown
	}
	log.Warn("session: generation failed", "mode", tr.mode, "category", category, "err", cause)

	msg := schema.NewMessage(schema.SenderCompanion, generation.UserMessage(category), s.cfg.Now())
	s.deliver(tr, msg)
	turn := &Turn{User: user, Replies: []schema.Message{msg}, Category: category}
	if err := s.cfg.Resolver.Persist(ctx, &tr.tctx, tr.mode); err != nil {
		return turn, fmt.Errorf("session: persist: %w", err)
	}
	return turn, nil
}

// companionMessage splits a reply part into its spoken and thought
// channels. A part that is only a thought is tagged as such.
func companionMessage(part string, now time.Time) schema.Message {
	speech, thought := prompt.ExtractThought(part)
	text := speech
	if text == "" {
		text = thought
	}
	msg := schema.NewMessage(schema.SenderCompanion, text, now)
	msg.Speech, msg.Thought = speech, thought
	if speech == "" && thought != "" {
		msg.Kind = schema.KindCompanionThought
	}
	return msg
}

// deliver appends msg to tr and notifies the UI. Must be called with mu held.
func (s *Session) deliver(tr *track, msg schema.Message) {
	s.observe(tr)
	tr.tctx.History = append(tr.tctx.History, msg)
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}
}

// observe evaluates the summarization trigger before a message is
// appended to tr. Must be called with mu held.
func (s *Session) observe(tr *track) {
	window, due := tr.tracker.Observe(tr.tctx.History)
	if !due || tr.runner == nil {
		return
	}
	s.logger.Debug("session: summarization due", "mode", tr.mode, "window", len(window))
	tr.runner.Start(s.bg, window, tr.tctx.Memory, func(ctx context.Context, text string) {
		s.applySummary(ctx, tr, text)
	})
}

// applySummary stores a finished summary on tr. A summary whose run was
// cancelled, or whose track was replaced by Reset, is dropped: applying it
// would restore memory that was just forgotten.
func (s *Session) applySummary(ctx context.Context, tr *track, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ctx.Err() != nil {
		return
	}
	if tr != s.normal && tr != s.incognito {
		return
	}
	tr.tctx.Memory.Summary = text
	if err := s.cfg.Resolver.Persist(s.bg, &tr.tctx, tr.mode); err != nil {
		s.logger.Warn("session: persist summary failed", "err", err)
	}
}

func (s *Session) input(tr *track, userText string, proactive bool) prompt.Input {
	return prompt.Input{
		Persona:   tr.tctx.Persona,
		Mood:      s.mood,
		Custom:    s.cfg.Custom,
		Memory:    tr.tctx.Memory,
		History:   slices.Clone(tr.tctx.History),
		UserText:  userText,
		Incognito: tr.mode == resolver.ModeIncognito,
		Proactive: proactive,
	}
}

// requestProactive asks the backend for a companion-initiated message. The
// session lock is held only while the prompt is built.
func (s *Session) requestProactive(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed || s.active == nil {
		s.mu.Unlock()
		return "", ErrClosed
	}
	req := prompt.Build(s.input(s.active, "", true))
	s.mu.Unlock()

	reply, err := s.cfg.Backend.Proactive(store.WithUser(ctx, s.cfg.UserID), req)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// insertProactive records a proactive message exactly like a reply.
func (s *Session) insertProactive(text string) {
	if err := s.InsertProactive(s.bg, text); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn("session: proactive insert failed", "err", err)
	}
}

// InsertProactive adds a companion-initiated message to the active track,
// with the same pacing, memory and summarization handling as a reply. It
// is used by the inactivity timer and for messages picked up from the
// server's pending queue.
func (s *Session) InsertProactive(ctx context.Context, text string) error {
	ctx = store.WithUser(ctx, s.cfg.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.active == nil {
		return errors.New("session: not open")
	}
	tr := s.active
	var last schema.Message
	for _, part := range prompt.SplitReply(text) {
		last = companionMessage(part, s.cfg.Now())
		s.deliver(tr, last)
	}
	if last.ID == "" {
		return nil
	}
	return s.cfg.Resolver.RecordTurn(ctx, &tr.tctx, tr.mode, schema.Message{}, last)
}

// Touch forwards a UI activity signal to the inactivity timer.
func (s *Session) Touch(signal initiative.Signal) error {
	s.mu.Lock()
	timer := s.timer
	s.mu.Unlock()
	if timer == nil {
		if !signal.Valid() {
			return fmt.Errorf("session: unknown activity signal %q", signal)
		}
		return nil
	}
	return timer.Touch(signal)
}

// SetIncognito switches tracks. Summarization in flight on the track being
// left is cancelled. The incognito track lives for the session and is
// never persisted or merged into the normal track.
func (s *Session) SetIncognito(ctx context.Context, on bool) error {
	ctx = store.WithUser(ctx, s.cfg.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.active == nil {
		return errors.New("session: not open")
	}
	if on == (s.active.mode == resolver.ModeIncognito) {
		return nil
	}

	leaving := s.active
	if on {
		if s.incognito == nil {
			t, err := s.loadTrack(ctx, resolver.ModeIncognito)
			if err != nil {
				return err
			}
			s.incognito = t
		}
		s.active = s.incognito
	} else {
		s.active = s.normal
	}
	if leaving.runner != nil {
		leaving.runner.Cancel()
	}
	s.logger.Info("session: track switched", "mode", s.active.mode)
	return nil
}

// Incognito reports whether the incognito track is active.
func (s *Session) Incognito() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.mode == resolver.ModeIncognito
}

// SetMood switches the mood used for subsequent prompts.
func (s *Session) SetMood(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return errors.New("session: not open")
	}
	mood, ok := s.active.tctx.Persona.Mood(name)
	if !ok {
		return fmt.Errorf("session: persona %s has no mood %q", s.cfg.CharacterID, name)
	}
	s.mood = mood
	return nil
}

// Mood returns the current mood.
func (s *Session) Mood() schema.Mood {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mood
}

// Persona returns the companion's persona.
func (s *Session) Persona() schema.Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return schema.Persona{}
	}
	return s.active.tctx.Persona
}

// History returns a copy of the active track's messages.
func (s *Session) History() []schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return slices.Clone(s.active.tctx.History)
}

// Memory returns a copy of the active track's memory.
func (s *Session) Memory() schema.PersistentMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return schema.DefaultMemory()
	}
	return s.active.tctx.Memory.Clone()
}

// Source reports which tier the normal track was loaded from.
func (s *Session) Source() resolver.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.normal == nil {
		return ""
	}
	return s.normal.source
}

// Reset forgets the pair's memory everywhere and restarts the normal track
// from defaults.
func (s *Session) Reset(ctx context.Context) error {
	ctx = store.WithUser(ctx, s.cfg.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.normal == nil {
		return errors.New("session: not open")
	}
	if s.normal.runner != nil {
		s.normal.runner.Cancel()
		s.retired = append(s.retired, s.normal.runner)
	}
	if err := s.cfg.Resolver.Reset(ctx, s.cfg.CharacterID); err != nil {
		return err
	}
	fresh, err := s.loadTrack(ctx, resolver.ModeNormal)
	if err != nil {
		return err
	}
	fresh.tracker.Reset()
	wasActive := s.active == s.normal
	s.normal = fresh
	if wasActive {
		s.active = fresh
	}
	s.logger.Info("session: memory reset")
	return nil
}

// Close stops the timer, cancels background work and waits for it. The
// last cache write and queued durable writes are left to the resolver.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timer := s.timer
	runners := slices.Clone(s.retired)
	for _, t := range []*track{s.normal, s.incognito} {
		if t != nil && t.runner != nil {
			t.runner.Cancel()
			runners = append(runners, t.runner)
		}
	}
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.cancel()
	for _, r := range runners {
		r.Wait()
	}
}
