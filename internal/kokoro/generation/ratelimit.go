package generation

import (
	"context"
	"sync"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/prompt"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
)

const (
	// DefaultRateLimit is the number of generations allowed per user per
	// minute when no explicit limit is configured.
	DefaultRateLimit = 20

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-user sliding-window limit. Timestamps older
// than the window are pruned on every call, so memory stays bounded to
// O(limit) per active user. It is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewRateLimiter allows at most limit calls per user within window. Zero
// values select DefaultRateLimit and one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow records a call for userID and reports whether it is within quota.
func (r *RateLimiter) Allow(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(userID, now)
	if len(valid) >= r.limit {
		r.counters[userID] = valid
		return false
	}
	r.counters[userID] = append(valid, now)
	return true
}

// Remaining returns how many calls userID can still make in the window.
func (r *RateLimiter) Remaining(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(0, r.limit-len(r.prune(userID, r.now())))
}

// prune drops timestamps outside the window. Must be called with mu held.
func (r *RateLimiter) prune(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[userID]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.counters, userID)
	}
	return valid
}

// Limited rate-limits a Backend per user (see store.WithUser). Calls
// without a user share one anonymous bucket.
type Limited struct {
	Backend Backend
	Limiter *RateLimiter
}

// WithRateLimit wraps b with limiter.
func WithRateLimit(b Backend, limiter *RateLimiter) *Limited {
	return &Limited{Backend: b, Limiter: limiter}
}

func (l *Limited) allow(ctx context.Context) error {
	userID, err := store.UserFrom(ctx)
	if err != nil {
		userID = "anonymous"
	}
	if !l.Limiter.Allow(userID) {
		return &Error{Category: CategoryRateLimit, Err: ErrRateLimited}
	}
	return nil
}

func (l *Limited) Generate(ctx context.Context, req prompt.Request) (*Reply, error) {
	if err := l.allow(ctx); err != nil {
		return nil, err
	}
	return l.Backend.Generate(ctx, req)
}

func (l *Limited) Proactive(ctx context.Context, req prompt.Request) (*Reply, error) {
	if err := l.allow(ctx); err != nil {
		return nil, err
	}
	return l.Backend.Proactive(ctx, req)
}

var _ Backend = (*Limited)(nil)
