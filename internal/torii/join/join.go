// Package join implements the Join Strategy Engine: composable policies
// describing how an Intent retries a room join that fails (because the
// ghost has not yet been invited, or the homeserver is transiently
// unavailable). Styled after the teacher's common/retry package — a
// Config-driven Do(ctx, cfg, fn) loop with backoff between attempts — but
// with the fixed delay schedule and self-invite composition this engine's
// invariants require instead of retry's exponential-backoff shape.
package join

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSchedule is the fixed delay schedule between join attempts:
// immediate, then 1s, 30s, 60s, 5m, 15m.
var DefaultSchedule = []time.Duration{
	0,
	1 * time.Second,
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

// Attempt performs one join try against ctx.
type Attempt func(ctx context.Context) error

// Strategy decides how many times, and with what delay, to retry a failing
// Attempt.
type Strategy interface {
	Join(ctx context.Context, attempt Attempt) error
}

// SimpleRetryStrategy retries attempt according to a fixed delay schedule,
// stopping at the first success, the first non-retryable error (per
// ShouldRetry), or context cancellation.
type SimpleRetryStrategy struct {
	// Schedule is the per-attempt delay list. A zero value uses
	// DefaultSchedule.
	Schedule []time.Duration
	// ShouldRetry classifies an attempt error as retryable. Nil retries
	// every error until the schedule is exhausted.
	ShouldRetry func(err error) bool
}

var _ Strategy = (*SimpleRetryStrategy)(nil)

// Join runs attempt once per schedule entry, waiting the entry's delay
// before each try (the first entry is conventionally 0: try immediately).
func (s *SimpleRetryStrategy) Join(ctx context.Context, attempt Attempt) error {
	schedule := s.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	shouldRetry := s.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	var lastErr error
	for i, delay := range schedule {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if i < len(schedule)-1 {
			log.Debug().Int("attempt", i+1).Int("max", len(schedule)).Err(lastErr).Dur("next_delay", schedule[i+1]).Msg("join: attempt failed, retrying")
		}
	}
	return lastErr
}

// AppserviceJoinStrategy wraps an inner Strategy with appservice-specific
// recovery: when attempt fails, the bot self-invites the ghost into the
// room before the inner strategy's next try, so a ghost that was never
// invited still converges on membership instead of retrying a join that
// can never succeed on its own.
type AppserviceJoinStrategy struct {
	Inner Strategy
	// Invite is called once after the first attempt fails; it performs
	// the bot-as-inviter call. A non-nil return aborts the
	// current attempt with both errors joined.
	Invite func(ctx context.Context) error
}

var _ Strategy = (*AppserviceJoinStrategy)(nil)

// Join runs attempt once; on failure it invites (if configured) exactly
// once, then delegates the remaining retries to Inner against the raw
// attempt — Inner's own schedule must not re-trigger the invite on every
// one of its internal tries.
func (a *AppserviceJoinStrategy) Join(ctx context.Context, attempt Attempt) error {
	err := attempt(ctx)
	if err == nil {
		return nil
	}

	if a.Invite == nil {
		return attempt(ctx)
	}

	if inviteErr := a.Invite(ctx); inviteErr != nil {
		return errors.Join(err, inviteErr)
	}

	inner := a.Inner
	if inner == nil {
		inner = &SimpleRetryStrategy{}
	}
	return inner.Join(ctx, attempt)
}
