package risk

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("cross_source", 5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.IsOpen() {
			t.Fatalf("breaker open after %d failures, threshold is 5", i+1)
		}
	}

	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should open at the fifth consecutive failure")
	}
	if b.Allow() {
		t.Fatal("open breaker must not allow attempts before recovery")
	}
}

func TestBreakerSuccessDecrementsFailures(t *testing.T) {
	b := NewBreaker("cross_source", 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("interleaved success should keep the count below threshold")
	}

	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should open once failures reach threshold")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b := NewBreaker("extreme_rate", 2, 10*time.Millisecond)
	b.RecordFailure()
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("recovery elapsed; one trial should be allowed")
	}
	if b.Allow() {
		t.Fatal("only a single half-open trial may be outstanding")
	}

	b.RecordSuccess()
	if !b.Allow() {
		t.Fatal("successful trial should close the breaker")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("extreme_rate", 2, 10*time.Millisecond)
	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open trial")
	}

	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("failed trial should reopen the breaker")
	}
}

func TestBreakerForceOpenAndReset(t *testing.T) {
	b := NewBreaker("global", 5, time.Hour)

	b.ForceOpen()
	if !b.IsOpen() {
		t.Fatal("ForceOpen should trip the breaker immediately")
	}

	b.Reset()
	if b.IsOpen() || !b.Allow() {
		t.Fatal("Reset should close the breaker")
	}
}
