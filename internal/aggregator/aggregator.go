package aggregator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-arbiter/internal/exchange"
	"funding-rate-arbiter/internal/retry"
)

const shardCount = 16

// Key addresses one sample slot.
type Key struct {
	Source     string
	Instrument string
}

type subKey struct {
	source     string
	instrument string
	channel    exchange.Channel
}

// Options tune aggregation behaviour.
type Options struct {
	PollInterval time.Duration
	Staleness    time.Duration
	FetchTimeout time.Duration
	// PushRetries is the number of consecutive subscribe failures after
	// which a source is demoted to poll mode.
	PushRetries int
	Retry       retry.Policy
}

type shard struct {
	mu      sync.RWMutex
	samples map[Key]exchange.RateSample
}

// Aggregator owns the live sample table: one slot per (source,
// instrument), last-writer-wins by sample time. Source tasks write,
// detector and trader read snapshots.
type Aggregator struct {
	sources []exchange.Capability
	opts    Options
	logger  zerolog.Logger

	shards [shardCount]*shard

	subMu  sync.Mutex
	active map[subKey]bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs an aggregator over the given sources.
func New(sources []exchange.Capability, opts Options, logger zerolog.Logger) *Aggregator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 5 * time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.PushRetries <= 0 {
		opts.PushRetries = 5
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}

	a := &Aggregator{
		sources: sources,
		opts:    opts,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		active:  make(map[subKey]bool),
	}
	for i := range a.shards {
		a.shards[i] = &shard{samples: make(map[Key]exchange.RateSample)}
	}
	return a
}

// Start launches one push or poll task per source for the given
// instruments. Calling Start while running is a no-op.
func (a *Aggregator) Start(ctx context.Context, instruments []string) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	var wg sync.WaitGroup
	for _, source := range a.sources {
		wg.Add(1)
		go func(source exchange.Capability) {
			defer wg.Done()
			a.runSource(runCtx, source, instruments)
		}(source)
	}
	go func() {
		wg.Wait()
		close(a.done)
	}()

	a.logger.Info().
		Int("sources", len(a.sources)).
		Int("instruments", len(instruments)).
		Msg("aggregator started")
}

// Stop cancels all source tasks and waits for them to drain.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return
	}
	a.cancel()
	<-a.done
	a.running = false
	a.logger.Info().Msg("aggregator stopped")
}

// Record stores a sample if it is strictly newer than the current slot
// content. Out-of-order samples are dropped.
func (a *Aggregator) Record(sample exchange.RateSample) bool {
	key := Key{Source: sample.Source, Instrument: sample.Instrument}
	sh := a.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if current, ok := sh.samples[key]; ok && !sample.ObservedAt.After(current.ObservedAt) {
		return false
	}
	sh.samples[key] = sample
	return true
}

// Snapshot copies the full sample table, stale slots included.
func (a *Aggregator) Snapshot() map[Key]exchange.RateSample {
	out := make(map[Key]exchange.RateSample)
	for _, sh := range a.shards {
		sh.mu.RLock()
		for key, sample := range sh.samples {
			out[key] = sample
		}
		sh.mu.RUnlock()
	}
	return out
}

// Fresh copies only the slots younger than the staleness threshold.
// Stale slots stay in the table so recovery is visible immediately.
func (a *Aggregator) Fresh(now time.Time) map[Key]exchange.RateSample {
	out := make(map[Key]exchange.RateSample)
	for _, sh := range a.shards {
		sh.mu.RLock()
		for key, sample := range sh.samples {
			if now.Sub(sample.ObservedAt) <= a.opts.Staleness {
				out[key] = sample
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// IsStale reports whether the slot is missing or older than the
// staleness threshold.
func (a *Aggregator) IsStale(source, instrument string) bool {
	key := Key{Source: source, Instrument: instrument}
	sh := a.shardFor(key)

	sh.mu.RLock()
	sample, ok := sh.samples[key]
	sh.mu.RUnlock()
	if !ok {
		return true
	}
	return time.Since(sample.ObservedAt) > a.opts.Staleness
}

func (a *Aggregator) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.Source))
	h.Write([]byte{0})
	h.Write([]byte(key.Instrument))
	return a.shards[h.Sum32()%shardCount]
}

func (a *Aggregator) runSource(ctx context.Context, source exchange.Capability, instruments []string) {
	if source.SupportsPush() {
		if !a.runPush(ctx, source, instruments) {
			return
		}
		a.logger.Warn().
			Str("source", source.Name()).
			Msg("push subscriptions keep failing; source demoted to poll mode")
	}
	a.runPoll(ctx, source, instruments)
}

// runPush maintains one subscription per (instrument, channel). It
// returns true when the source should fall back to polling, false when
// ctx was cancelled.
func (a *Aggregator) runPush(ctx context.Context, source exchange.Capability, instruments []string) bool {
	pushCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	demote := make(chan struct{})
	var demoteOnce sync.Once

	var wg sync.WaitGroup
	for _, instrument := range instruments {
		key := subKey{source: source.Name(), instrument: instrument, channel: exchange.ChannelFundingRate}
		if !a.claimSubscription(key) {
			// Already active; re-subscription is a no-op.
			continue
		}
		wg.Add(1)
		go func(instrument string, key subKey) {
			defer wg.Done()
			defer a.releaseSubscription(key)
			a.subscribeLoop(pushCtx, source, instrument, func() {
				demoteOnce.Do(func() { close(demote) })
			})
		}(instrument, key)
	}

	select {
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return false
	case <-demote:
		cancel()
		wg.Wait()
		return true
	}
}

func (a *Aggregator) subscribeLoop(ctx context.Context, source exchange.Capability, instrument string, onGiveUp func()) {
	failures := 0
	for {
		started := time.Now()
		err := source.Subscribe(ctx, instrument, exchange.ChannelFundingRate, func(sample exchange.RateSample) {
			a.Record(sample)
		})
		if ctx.Err() != nil {
			return
		}

		// A session that survived a full poll interval counts as healthy.
		if time.Since(started) > a.opts.PollInterval {
			failures = 0
		}
		failures++
		a.logger.Warn().Err(err).
			Str("source", source.Name()).
			Str("instrument", instrument).
			Int("consecutive_failures", failures).
			Msg("push subscription ended")

		if failures >= a.opts.PushRetries {
			onGiveUp()
			return
		}

		timer := time.NewTimer(a.opts.Retry.Delay(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runPoll fetches every instrument on a fixed interval. A failed fetch
// is a missing sample for the cycle, never a crash.
func (a *Aggregator) runPoll(ctx context.Context, source exchange.Capability, instruments []string) {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	a.pollOnce(ctx, source, instruments)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx, source, instruments)
		}
	}
}

func (a *Aggregator) pollOnce(ctx context.Context, source exchange.Capability, instruments []string) {
	for _, instrument := range instruments {
		if ctx.Err() != nil {
			return
		}
		var sample exchange.RateSample
		err := a.opts.Retry.Do(ctx, func(ctx context.Context) error {
			fetchCtx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
			defer cancel()
			var err error
			sample, err = source.FetchRate(fetchCtx, instrument)
			return err
		})
		if err != nil {
			a.logger.Debug().Err(err).
				Str("source", source.Name()).
				Str("instrument", instrument).
				Msg("fetch failed; sample missing for this cycle")
			continue
		}
		a.Record(sample)
	}
}

func (a *Aggregator) claimSubscription(key subKey) bool {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.active[key] {
		return false
	}
	a.active[key] = true
	return true
}

func (a *Aggregator) releaseSubscription(key subKey) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	delete(a.active, key)
}
