package summary

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

// Summariser compresses recent messages, together with the memory they
// update, into a running summary.
type Summariser interface {
	Summarise(ctx context.Context, messages []schema.Message, memory schema.PersistentMemory) (string, error)
}

// Runner runs summarizations in the background for one conversation track.
// A failed run leaves the previous summary in place; a cancelled run never
// reports a result.
type Runner struct {
	summariser Summariser
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner returns a runner over s. If logger is nil, the default slog
// logger is used.
func NewRunner(s Summariser, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{summariser: s, logger: logger}
}

// Start summarizes window against mem in a goroutine and calls apply with
// the run's context and the new summary on success. A run already in
// flight keeps going. Cancel may land while apply waits for a lock, so
// apply must check ctx.Err once it holds it.
func (r *Runner) Start(ctx context.Context, window []schema.Message, mem schema.PersistentMemory, apply func(ctx context.Context, summary string)) {
	r.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	prev := r.cancel
	r.cancel = func() {
		if prev != nil {
			prev()
		}
		cancel()
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		start := time.Now()
		text, err := r.summariser.Summarise(ctx, window, mem)
		if ctx.Err() != nil {
			r.logger.Debug("summary: run cancelled", "messages", len(window))
			return
		}
		if err != nil {
			r.logger.Warn("summary: summarization failed, keeping previous summary",
				"messages", len(window),
				"err", err,
			)
			return
		}
		if text == "" {
			return
		}
		r.logger.Debug("summary: summarized",
			"messages", len(window),
			"summary_len", len(text),
			"elapsed", time.Since(start).String(),
		)
		apply(ctx, text)
	}()
}

// Cancel aborts every run in flight. Safe to call at any time.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every started run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
