package initiative

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"github.com/bdobrica/kokoro/common/spec/envelope"
)

const (
	// DefaultSchedule runs a sweep every five minutes.
	DefaultSchedule = "@every 5m"
	// DefaultIdle is how long a pair must be quiet before the companion
	// writes first.
	DefaultIdle = 6 * time.Hour

	defaultWakeStart = 9
	defaultWakeEnd   = 21
	authorTimeout    = time.Minute
)

// Author writes a companion-initiated message for a pair.
type Author interface {
	Initiative(ctx context.Context, userID, characterID string) (string, error)
}

// Deliverer pushes a message to live connections (see Hub.Deliver).
type Deliverer interface {
	Deliver(ctx context.Context, userID, characterID string, msg envelope.Message) int
}

// Relay mirrors a message to an out-of-band channel such as Matrix.
type Relay interface {
	Relay(ctx context.Context, userID, characterID string, msg envelope.Message) error
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Schedule is a robfig/cron spec. Defaults to DefaultSchedule.
	Schedule string
	// Idle defaults to DefaultIdle.
	Idle time.Duration
	// WakeStart and WakeEnd bound local waking hours, [start, end).
	// Both zero selects 9 to 21.
	WakeStart, WakeEnd int
	// Relay is optional.
	Relay  Relay
	Logger *slog.Logger
	Now    func() time.Time
}

// Sweeper periodically finds idle pairs and has the companion write first.
type Sweeper struct {
	queue   Queue
	ledger  Ledger
	author  Author
	deliver Deliverer
	cfg     SweeperConfig
	logger  *slog.Logger

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

// NewSweeper returns a Sweeper. deliver may be nil.
func NewSweeper(queue Queue, ledger Ledger, author Author, deliver Deliverer, cfg SweeperConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	if cfg.WakeStart == 0 && cfg.WakeEnd == 0 {
		cfg.WakeStart, cfg.WakeEnd = defaultWakeStart, defaultWakeEnd
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		queue:   queue,
		ledger:  ledger,
		author:  author,
		deliver: deliver,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers the sweep on the cron schedule. The sweep stops when ctx
// is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("initiative: sweeper already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("initiative: schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("initiative: sweeper started", "schedule", s.cfg.Schedule, "idle", s.cfg.Idle)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits up to five seconds for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("initiative: stop timeout waiting for running sweep")
	}
	s.logger.Info("initiative: sweeper stopped")
}

// Sweep runs one pass and returns the number of messages written. Failures
// for one pair are logged and do not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.cfg.Now()
	idle, err := s.ledger.Idle(ctx, now.Add(-s.cfg.Idle))
	if err != nil {
		s.logger.Warn("initiative: idle lookup failed", "err", err)
		return 0
	}

	written := 0
	for _, p := range idle {
		if ctx.Err() != nil {
			break
		}
		if !Awake(now, p.Timezone, s.cfg.WakeStart, s.cfg.WakeEnd) {
			continue
		}
		if s.initiate(ctx, p, now) {
			written++
		}
	}
	if written > 0 {
		s.logger.Info("initiative: sweep complete", "idle", len(idle), "written", written)
	}
	return written
}

func (s *Sweeper) initiate(ctx context.Context, p Presence, now time.Time) bool {
	log := s.logger.With("user_id", p.UserID, "character_id", p.CharacterID)

	actx, cancel := context.WithTimeout(ctx, authorTimeout)
	text, err := s.author.Initiative(actx, p.UserID, p.CharacterID)
	cancel()
	if err != nil {
		log.Warn("initiative: author failed", "err", err)
		return false
	}
	if text == "" {
		return false
	}

	msg := envelope.Message{ID: uuid.NewString(), Text: text, Timestamp: now}
	if err := s.queue.Push(ctx, p.UserID, p.CharacterID, msg); err != nil {
		log.Warn("initiative: enqueue failed", "err", err)
		return false
	}
	if err := s.ledger.MarkInitiated(ctx, p.UserID, p.CharacterID, now); err != nil {
		log.Warn("initiative: mark initiated failed", "err", err)
	}

	live := 0
	if s.deliver != nil {
		live = s.deliver.Deliver(ctx, p.UserID, p.CharacterID, msg)
	}
	if s.cfg.Relay != nil {
		if err := s.cfg.Relay.Relay(ctx, p.UserID, p.CharacterID, msg); err != nil {
			log.Warn("initiative: relay failed", "err", err)
		}
	}
	log.Debug("initiative: message queued", "live_connections", live)
	return true
}

// Awake reports whether now falls inside [start, end) local hours in tz.
// An unknown or empty timezone is treated as UTC.
func Awake(now time.Time, tz string, start, end int) bool {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	h := now.In(loc).Hour()
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
