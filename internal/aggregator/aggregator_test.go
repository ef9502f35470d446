package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/exchange"
	"funding-rate-arbiter/internal/retry"
)

type fakeSource struct {
	name   string
	push   bool
	rate   decimal.Decimal
	subErr error

	mu         sync.Mutex
	fetches    int
	fetchFails int
}

var _ exchange.Capability = (*fakeSource)(nil)

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ListSymbols(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeSource) FetchRate(ctx context.Context, instrument string) (exchange.RateSample, error) {
	f.mu.Lock()
	f.fetches++
	if f.fetchFails > 0 {
		f.fetchFails--
		f.mu.Unlock()
		return exchange.RateSample{}, exchange.ErrUnavailable
	}
	f.mu.Unlock()
	return exchange.RateSample{
		Source:     f.name,
		Instrument: instrument,
		Rate:       f.rate,
		MarkPrice:  decimal.NewFromInt(100),
		ObservedAt: time.Now(),
	}, nil
}

func (f *fakeSource) Subscribe(ctx context.Context, instrument string, channel exchange.Channel, onUpdate exchange.UpdateFunc) error {
	if f.subErr != nil {
		return f.subErr
	}
	onUpdate(exchange.RateSample{
		Source:     f.name,
		Instrument: instrument,
		Rate:       f.rate,
		MarkPrice:  decimal.NewFromInt(100),
		ObservedAt: time.Now(),
	})
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) PlaceOrder(ctx context.Context, instrument string, side exchange.Side, size decimal.Decimal) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, errors.New("not a trading fake")
}

func (f *fakeSource) TakerFee() decimal.Decimal { return decimal.Zero }

func (f *fakeSource) SupportsPush() bool { return f.push }

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func sampleAt(source, instrument string, rate string, observed time.Time) exchange.RateSample {
	return exchange.RateSample{
		Source:     source,
		Instrument: instrument,
		Rate:       decimal.RequireFromString(rate),
		MarkPrice:  decimal.NewFromInt(100),
		ObservedAt: observed,
	}
}

func waitForSample(t *testing.T, agg *Aggregator, key Key) exchange.RateSample {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sample, ok := agg.Snapshot()[key]; ok {
			return sample
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no sample recorded for %s/%s", key.Source, key.Instrument)
	return exchange.RateSample{}
}

func TestRecordRejectsOutOfOrderSamples(t *testing.T) {
	agg := New(nil, Options{}, zerolog.Nop())
	now := time.Now()

	if !agg.Record(sampleAt("binance", "BTCUSDT", "0.0002", now)) {
		t.Fatalf("first sample should be accepted")
	}
	if agg.Record(sampleAt("binance", "BTCUSDT", "0.0009", now.Add(-time.Second))) {
		t.Fatalf("older sample should be rejected")
	}
	if agg.Record(sampleAt("binance", "BTCUSDT", "0.0009", now)) {
		t.Fatalf("equal-time sample should be rejected")
	}
	if !agg.Record(sampleAt("binance", "BTCUSDT", "0.0003", now.Add(time.Second))) {
		t.Fatalf("newer sample should be accepted")
	}

	got := agg.Snapshot()[Key{Source: "binance", Instrument: "BTCUSDT"}]
	if !got.Rate.Equal(decimal.RequireFromString("0.0003")) {
		t.Fatalf("rate = %s, want 0.0003", got.Rate)
	}
}

func TestSlotsAreIndependentPerSourceAndInstrument(t *testing.T) {
	agg := New(nil, Options{}, zerolog.Nop())
	now := time.Now()

	agg.Record(sampleAt("binance", "BTCUSDT", "0.0001", now))
	agg.Record(sampleAt("bybit", "BTCUSDT", "0.0002", now))
	agg.Record(sampleAt("binance", "ETHUSDT", "0.0003", now))

	snap := agg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
}

func TestFreshExcludesStaleSlots(t *testing.T) {
	agg := New(nil, Options{Staleness: 5 * time.Minute}, zerolog.Nop())
	now := time.Now()

	agg.Record(sampleAt("binance", "BTCUSDT", "0.0001", now.Add(-10*time.Minute)))
	agg.Record(sampleAt("binance", "ETHUSDT", "0.0002", now.Add(-time.Minute)))

	fresh := agg.Fresh(now)
	if len(fresh) != 1 {
		t.Fatalf("fresh size = %d, want 1", len(fresh))
	}
	if _, ok := fresh[Key{Source: "binance", Instrument: "ETHUSDT"}]; !ok {
		t.Fatalf("fresh sample missing")
	}

	// Stale slot stays in the full table so recovery is observable.
	if len(agg.Snapshot()) != 2 {
		t.Fatalf("snapshot should keep stale slots")
	}
}

func TestIsStale(t *testing.T) {
	agg := New(nil, Options{Staleness: 5 * time.Minute}, zerolog.Nop())

	if !agg.IsStale("binance", "BTCUSDT") {
		t.Fatalf("missing slot should be stale")
	}

	agg.Record(sampleAt("binance", "BTCUSDT", "0.0001", time.Now()))
	if agg.IsStale("binance", "BTCUSDT") {
		t.Fatalf("fresh slot should not be stale")
	}

	agg.Record(sampleAt("binance", "ETHUSDT", "0.0001", time.Now().Add(-10*time.Minute)))
	if !agg.IsStale("binance", "ETHUSDT") {
		t.Fatalf("old slot should be stale")
	}
}

func TestPollingSourceRecordsSamples(t *testing.T) {
	source := &fakeSource{name: "bybit", rate: decimal.RequireFromString("0.0004")}
	agg := New([]exchange.Capability{source}, Options{PollInterval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx, []string{"BTCUSDT"})
	defer agg.Stop()

	sample := waitForSample(t, agg, Key{Source: "bybit", Instrument: "BTCUSDT"})
	if !sample.Rate.Equal(decimal.RequireFromString("0.0004")) {
		t.Fatalf("rate = %s, want 0.0004", sample.Rate)
	}
}

func TestPollRetriesTransientFetchFailure(t *testing.T) {
	source := &fakeSource{
		name:       "bybit",
		rate:       decimal.RequireFromString("0.0006"),
		fetchFails: 1,
	}
	opts := Options{
		PollInterval: time.Minute,
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	agg := New([]exchange.Capability{source}, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx, []string{"BTCUSDT"})
	defer agg.Stop()

	// A sample lands within the first cycle because the failed fetch is
	// retried under the policy, not deferred to the next poll tick.
	waitForSample(t, agg, Key{Source: "bybit", Instrument: "BTCUSDT"})
	if source.fetchCount() < 2 {
		t.Fatalf("fetches = %d, want at least 2 (retry within the cycle)", source.fetchCount())
	}
}

func TestPushSourceRecordsStreamedSamples(t *testing.T) {
	source := &fakeSource{name: "binance", push: true, rate: decimal.RequireFromString("0.0007")}
	agg := New([]exchange.Capability{source}, Options{PollInterval: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx, []string{"BTCUSDT"})
	defer agg.Stop()

	sample := waitForSample(t, agg, Key{Source: "binance", Instrument: "BTCUSDT"})
	if !sample.Rate.Equal(decimal.RequireFromString("0.0007")) {
		t.Fatalf("rate = %s, want 0.0007", sample.Rate)
	}
	if source.fetchCount() != 0 {
		t.Fatalf("push source should not be polled while streaming")
	}
}

func TestPushFailuresDemoteSourceToPolling(t *testing.T) {
	source := &fakeSource{
		name:   "binance",
		push:   true,
		rate:   decimal.RequireFromString("0.0005"),
		subErr: errors.New("stream down"),
	}
	opts := Options{
		PollInterval: 20 * time.Millisecond,
		PushRetries:  2,
		Retry:        retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	agg := New([]exchange.Capability{source}, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx, []string{"BTCUSDT"})
	defer agg.Stop()

	waitForSample(t, agg, Key{Source: "binance", Instrument: "BTCUSDT"})
	if source.fetchCount() == 0 {
		t.Fatalf("demoted source should have been polled")
	}
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	source := &fakeSource{name: "bybit", rate: decimal.RequireFromString("0.0001")}
	agg := New([]exchange.Capability{source}, Options{PollInterval: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx, []string{"BTCUSDT"})
	agg.Start(ctx, []string{"BTCUSDT"})
	agg.Stop()
	agg.Stop()
}
