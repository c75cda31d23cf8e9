// Package initiative lets the companion speak first.
//
// Two paths exist. Inside an open conversation, Timer fires after a quiet
// period without user activity and asks for a proactive message. Across
// sessions, the server's Sweeper writes messages for idle users into a
// Queue and pushes them over the Hub; a chat Client picks them up with a
// pull-then-push handshake when the conversation opens.
package initiative

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// QuietPeriod is how long the user must be inactive before the companion
// speaks up in an open conversation.
const QuietPeriod = 10 * time.Minute

// Signal is a kind of user activity that restarts the quiet timer.
type Signal string

const (
	SignalKeypress Signal = "keypress"
	SignalPointer  Signal = "pointer"
	SignalScroll   Signal = "scroll"
	SignalFocus    Signal = "focus"
	SignalMessage  Signal = "message"
)

// Valid reports whether s is a known activity signal.
func (s Signal) Valid() bool {
	switch s {
	case SignalKeypress, SignalPointer, SignalScroll, SignalFocus, SignalMessage:
		return true
	}
	return false
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop }

// TimerConfig configures a Timer.
type TimerConfig struct {
	// Quiet defaults to QuietPeriod.
	Quiet time.Duration
	// Request produces the proactive message text.
	Request func(ctx context.Context) (string, error)
	// Insert adds a successful message to the conversation.
	Insert func(text string)
	Logger *slog.Logger
	// After overrides the scheduling primitive.
	After AfterFunc
}

// Timer restarts on every activity signal and fires once per quiet period.
// After firing it stays idle until the next signal, so an absent user gets
// one message per absence, not one every period.
type Timer struct {
	cfg    TimerConfig
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	pending func() bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewTimer returns a stopped-until-touched timer.
func NewTimer(cfg TimerConfig) *Timer {
	if cfg.Quiet <= 0 {
		cfg.Quiet = QuietPeriod
	}
	if cfg.After == nil {
		cfg.After = realAfterFunc
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Timer{cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
}

// Touch records user activity and restarts the quiet period.
func (t *Timer) Touch(s Signal) error {
	if !s.Valid() {
		return fmt.Errorf("initiative: unknown activity signal %q", s)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	if t.pending != nil {
		t.pending()
	}
	t.gen++
	gen := t.gen
	t.pending = t.cfg.After(t.cfg.Quiet, func() { t.fire(gen) })
	return nil
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || t.pending == nil || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	ctx := t.ctx
	t.mu.Unlock()

	text, err := t.cfg.Request(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("initiative: proactive request failed", "err", err)
		}
		return
	}
	if text == "" || ctx.Err() != nil {
		return
	}
	t.cfg.Insert(text)
}

// Stop cancels the pending timer and any in-flight request. The Timer
// cannot be restarted.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.pending != nil {
		t.pending()
		t.pending = nil
	}
	t.cancel()
}
