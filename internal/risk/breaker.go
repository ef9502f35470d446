package risk

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker isolates a failing strategy (or the whole system) after
// repeated failures. Failures increment a counter, successes decrement
// it (floor zero); at the threshold the breaker opens. Once the
// recovery timeout elapses exactly one trial is allowed (half-open); a
// success closes the breaker, a failure reopens it.
type Breaker struct {
	scope     string
	threshold int
	recovery  time.Duration

	mu           sync.Mutex
	state        breakerState
	failureCount int
	openedAt     time.Time
}

// NewBreaker constructs a breaker for the given scope.
func NewBreaker(scope string, threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 5 * time.Minute
	}
	return &Breaker{scope: scope, threshold: threshold, recovery: recovery}
}

// Scope returns the breaker's scope name.
func (b *Breaker) Scope() string { return b.scope }

// Allow reports whether an attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		// Trial already outstanding.
		return false
	default:
		if time.Since(b.openedAt) >= b.recovery {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold
// or immediately when a half-open trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.state == breakerHalfOpen || b.failureCount >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// RecordSuccess counts a success; a successful half-open trial closes
// the breaker and resets the counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureCount > 0 {
		b.failureCount--
	}
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
		b.failureCount = 0
	}
}

// ForceOpen trips the breaker regardless of the counter; used by the
// drawdown kill-switch.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerOpen
	b.failureCount = b.threshold
	b.openedAt = time.Now()
}

// Reset closes the breaker and clears the counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failureCount = 0
	b.openedAt = time.Time{}
}

// IsOpen reports whether the breaker currently blocks new attempts,
// without consuming the half-open trial.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && time.Since(b.openedAt) < b.recovery
}
