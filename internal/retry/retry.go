package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is the single retry configuration shared by every
// network-calling task, so failure semantics stay uniform.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy suits periodic market-data calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn up to MaxAttempts times, sleeping an exponentially growing,
// jittered delay between attempts. The last error is returned; ctx
// cancellation stops immediately.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// Delay returns the jittered backoff before the given attempt
// (1-based). Long-lived loops that own their retry cadence use it
// directly to keep the same exponential-with-jitter behaviour as Do.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Full jitter keeps concurrent source tasks from thundering.
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}
