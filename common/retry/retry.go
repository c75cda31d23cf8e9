// Package retry runs short, bounded retry loops for outbound notifications.
//
// Kokoro never retries durable-memory writes inline; this package is only
// used for best-effort deliveries where one extra attempt is worth it and a
// retry storm is not.
//
//	err := retry.Do(ctx, retry.Policy{Attempts: 2}, func(ctx context.Context) error {
//	    return relay.Send(ctx, msg)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	// Values below 1 are treated as 1.
	Attempts int
	// Backoff is the wait before the second attempt; it doubles after each
	// failure up to Cap.
	Backoff time.Duration
	// Cap limits a single wait.
	Cap time.Duration
	// Retryable classifies errors. Nil retries every error.
	Retryable func(err error) bool
}

// DefaultPolicy allows a single extra attempt after half a second.
var DefaultPolicy = Policy{
	Attempts: 2,
	Backoff:  500 * time.Millisecond,
	Cap:      5 * time.Second,
}

func (p Policy) normalized() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultPolicy.Backoff
	}
	if p.Cap <= 0 {
		p.Cap = DefaultPolicy.Cap
	}
	if p.Retryable == nil {
		p.Retryable = func(error) bool { return true }
	}
	return p
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// is exhausted or ctx is done. The last error is returned, joined with the
// context error when cancellation cut the loop short.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	p := policy.normalized()
	wait := p.Backoff
	var last error

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(last, err)
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !p.Retryable(last) || attempt == p.Attempts {
			return last
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "of", p.Attempts, "err", last, "wait", wait)

		select {
		case <-ctx.Done():
			return errors.Join(last, ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, p.Cap)
	}
	return last
}
