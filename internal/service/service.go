package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/aggregator"
	"funding-rate-arbiter/internal/detector"
	"funding-rate-arbiter/internal/risk"
	"funding-rate-arbiter/internal/scheduler"
	"funding-rate-arbiter/internal/symbols"
	"funding-rate-arbiter/internal/trader"
)

// Recorder is the optional fire-and-forget persistence sink for
// detection and risk artefacts.
type Recorder interface {
	RecordOpportunity(ctx context.Context, opp detector.Opportunity)
	RecordRiskSnapshot(ctx context.Context, snapshot risk.Snapshot)
}

// Notifier pushes noteworthy events to external channels.
type Notifier interface {
	OpportunityFound(ctx context.Context, opp detector.Opportunity)
	RiskAlert(ctx context.Context, snapshot risk.Snapshot)
}

// Options govern orchestration cadence.
type Options struct {
	DetectInterval  time.Duration
	MonitorInterval time.Duration
	MinSources      int
	MaxInstruments  int
}

const recentOpportunityCap = 200

// Service wires discovery, aggregation, detection, and the position
// lifecycle into two periodic loops.
type Service struct {
	symbols *symbols.Manager
	agg     *aggregator.Aggregator
	det     *detector.Detector
	trader  *trader.Trader
	rm      *risk.Manager

	recorder Recorder
	notifier Notifier

	opts   Options
	logger zerolog.Logger

	oppMu  sync.RWMutex
	recent []detector.Opportunity

	alertedOpen bool
}

// New constructs the orchestrator.
func New(sym *symbols.Manager, agg *aggregator.Aggregator, det *detector.Detector, tr *trader.Trader, rm *risk.Manager, recorder Recorder, notifier Notifier, opts Options, logger zerolog.Logger) *Service {
	if opts.DetectInterval <= 0 {
		opts.DetectInterval = time.Minute
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.MinSources < 1 {
		opts.MinSources = 2
	}
	return &Service{
		symbols:  sym,
		agg:      agg,
		det:      det,
		trader:   tr,
		rm:       rm,
		recorder: recorder,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Run discovers the instrument universe, starts collection, and blocks
// driving the detection and monitoring loops until ctx is cancelled.
// Open positions are closed before Run returns.
func (s *Service) Run(ctx context.Context) error {
	instruments, err := s.symbols.Recommend(ctx, s.opts.MaxInstruments, s.opts.MinSources)
	if err != nil {
		return fmt.Errorf("discover instruments: %w", err)
	}
	if len(instruments) == 0 {
		return fmt.Errorf("no instrument is tradable on %d or more sources", s.opts.MinSources)
	}
	s.logger.Info().Strs("instruments", instruments).Msg("instrument universe selected")

	s.agg.Start(ctx, instruments)
	defer s.agg.Stop()

	detectLoop := scheduler.New(scheduler.Options{Name: "detect", Interval: s.opts.DetectInterval}, s.logger)
	monitorLoop := scheduler.New(scheduler.Options{Name: "monitor", Interval: s.opts.MonitorInterval}, s.logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = detectLoop.Run(ctx, s.DetectTick)
	}()
	go func() {
		defer wg.Done()
		_ = monitorLoop.Run(ctx, s.MonitorTick)
	}()
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.trader.CloseAll(closeCtx)
	return ctx.Err()
}

// DetectTick runs one detection pass over a fresh snapshot.
func (s *Service) DetectTick(ctx context.Context, tick time.Time) error {
	snapshot := s.agg.Fresh(tick)
	if len(snapshot) == 0 {
		s.logger.Debug().Time("tick", tick).Msg("no fresh samples, skipping detection")
		return nil
	}

	for key, sample := range snapshot {
		if sample.MarkPrice.IsPositive() {
			price, _ := sample.MarkPrice.Float64()
			s.rm.ObservePrice(key.Instrument, price)
		}
	}

	opps := s.det.Detect(tick, snapshot)
	if len(opps) == 0 {
		return nil
	}
	s.logger.Info().Int("count", len(opps)).Time("tick", tick).Msg("opportunities detected")

	for _, opp := range opps {
		s.remember(opp)
		if s.recorder != nil {
			s.recorder.RecordOpportunity(ctx, opp)
		}
		if s.notifier != nil {
			s.notifier.OpportunityFound(ctx, opp)
		}

		position, err := s.trader.Evaluate(ctx, opp)
		if err != nil {
			if reason := risk.ReasonOf(err); reason != "" {
				s.logger.Info().
					Str("opportunity", opp.ID).
					Str("instrument", opp.Instrument).
					Str("reason", string(reason)).
					Msg("opportunity rejected by risk gate")
				continue
			}
			s.logger.Warn().Err(err).Str("opportunity", opp.ID).Msg("opportunity evaluation failed")
			continue
		}
		s.logger.Info().
			Str("position", position.ID).
			Str("instrument", position.Instrument).
			Str("size", position.SizeNotional.String()).
			Msg("position opened")
	}

	s.publishRisk(ctx)
	return nil
}

// MonitorTick refreshes open positions against current marks and exits
// any that hit an exit condition.
func (s *Service) MonitorTick(ctx context.Context, tick time.Time) error {
	snapshot := s.agg.Snapshot()
	s.trader.MonitorOnce(ctx, tick, func(instrument string) (decimal.Decimal, bool) {
		var best decimal.Decimal
		var at time.Time
		for key, sample := range snapshot {
			if key.Instrument != instrument || !sample.MarkPrice.IsPositive() {
				continue
			}
			if sample.ObservedAt.After(at) {
				best = sample.MarkPrice
				at = sample.ObservedAt
			}
		}
		return best, !at.IsZero()
	})
	return nil
}

// publishRisk records a snapshot and raises an alert on the first tick
// the global breaker is observed open.
func (s *Service) publishRisk(ctx context.Context) {
	snapshot := s.rm.TakeSnapshot()
	if s.recorder != nil {
		s.recorder.RecordRiskSnapshot(ctx, snapshot)
	}
	if s.notifier == nil {
		return
	}
	if snapshot.GlobalBreakerOpen && !s.alertedOpen {
		s.notifier.RiskAlert(ctx, snapshot)
	}
	s.alertedOpen = snapshot.GlobalBreakerOpen
}

func (s *Service) remember(opp detector.Opportunity) {
	s.oppMu.Lock()
	defer s.oppMu.Unlock()
	s.recent = append(s.recent, opp)
	if len(s.recent) > recentOpportunityCap {
		s.recent = s.recent[len(s.recent)-recentOpportunityCap:]
	}
}

// Opportunities returns the most recent detections, newest first.
func (s *Service) Opportunities(limit int) []detector.Opportunity {
	s.oppMu.RLock()
	defer s.oppMu.RUnlock()
	n := len(s.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]detector.Opportunity, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// Positions proxies the trader's position book.
func (s *Service) Positions(status trader.Status) []trader.Position {
	return s.trader.Positions(status)
}

// RiskSnapshot returns the current derived risk view.
func (s *Service) RiskSnapshot() risk.Snapshot {
	return s.rm.TakeSnapshot()
}

// Availabilities exposes per-instrument source coverage.
func (s *Service) Availabilities() map[string]symbols.Availability {
	return s.symbols.Availabilities()
}
