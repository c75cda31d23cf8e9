package resolver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

const (
	defaultSyncWorkers   = 2
	defaultSyncQueueSize = 256
	defaultSyncTimeout   = 10 * time.Second
)

// Job is one best-effort durable write.
type Job struct {
	UserID      string
	CharacterID string
	Memory      schema.PersistentMemory
}

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	// Workers is the number of background writers. Defaults to 2.
	Workers int
	// QueueSize bounds pending jobs. Defaults to 256.
	QueueSize int
	// Timeout bounds a single write. Defaults to 10 s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Syncer writes memory to the durable store off the conversation path.
//
// Contract: Enqueue never blocks; when the queue is full the job is dropped
// and logged. Each job is attempted exactly once and a failure is logged,
// never retried or reported to the caller. Close stops intake and drains
// what is queued. Writes for the same pair may complete out of order; stores
// ignore saves that would move the message counter backwards.
type Syncer struct {
	store   store.Store
	queue   chan Job
	timeout time.Duration
	logger  *slog.Logger
	workers sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight int
	idle     *sync.Cond
}

// NewSyncer starts the background writers for s.
func NewSyncer(s store.Store, cfg SyncerConfig) *Syncer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultSyncWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultSyncQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSyncTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sy := &Syncer{
		store:   s,
		queue:   make(chan Job, cfg.QueueSize),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	sy.idle = sync.NewCond(&sy.mu)

	sy.workers.Add(cfg.Workers)
	for i := range cfg.Workers {
		go sy.worker(i)
	}
	return sy
}

// Enqueue submits a durable write. It reports false when the job was
// dropped because the queue is full or the syncer is closed.
func (s *Syncer) Enqueue(job Job) bool {
	job.Memory = job.Memory.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("resolver: sync job dropped, syncer closed",
			"user_id", job.UserID, "character_id", job.CharacterID)
		return false
	}
	select {
	case s.queue <- job:
		s.inflight++
		return true
	default:
		s.logger.Error("resolver: sync job dropped, queue full",
			"user_id", job.UserID,
			"character_id", job.CharacterID,
			"message_count", job.Memory.MessageCount,
		)
		return false
	}
}

// Flush blocks until every accepted job has been attempted.
func (s *Syncer) Flush() {
	s.mu.Lock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// Close stops accepting jobs and waits for queued ones to drain. Safe to
// call more than once.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.workers.Wait()
}

func (s *Syncer) worker(id int) {
	defer s.workers.Done()
	for job := range s.queue {
		s.process(job)
		s.mu.Lock()
		s.inflight--
		if s.inflight == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
	s.logger.Debug("resolver: sync worker stopped", "worker_id", id)
}

func (s *Syncer) process(job Job) {
	ctx, cancel := context.WithTimeout(store.WithUser(context.Background(), job.UserID), s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.store.Save(ctx, job.CharacterID, job.Memory); err != nil {
		s.logger.Warn("resolver: durable write failed",
			"user_id", job.UserID,
			"character_id", job.CharacterID,
			"message_count", job.Memory.MessageCount,
			"err", err,
		)
		return
	}
	s.logger.Debug("resolver: durable write done",
		"user_id", job.UserID,
		"character_id", job.CharacterID,
		"message_count", job.Memory.MessageCount,
		"elapsed", time.Since(start).String(),
	)
}
