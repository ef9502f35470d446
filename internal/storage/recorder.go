package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-arbiter/internal/detector"
	"funding-rate-arbiter/internal/risk"
	"funding-rate-arbiter/internal/trader"
)

const recordTimeout = 5 * time.Second

// Recorder adapts the Store into the fire-and-forget sinks the pipeline
// expects. Persistence failures are logged and never propagate into the
// trading path.
type Recorder struct {
	opportunities OpportunityStore
	positions     PositionStore
	snapshots     RiskSnapshotStore
	logger        zerolog.Logger
}

// NewRecorder wraps a store for pipeline use.
func NewRecorder(store *Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		opportunities: store,
		positions:     store,
		snapshots:     store,
		logger:        logger.With().Str("component", "recorder").Logger(),
	}
}

// RecordOpportunity persists a detection.
func (r *Recorder) RecordOpportunity(ctx context.Context, opp detector.Opportunity) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	rec := OpportunityRecord{
		ID:          opp.ID,
		Kind:        string(opp.Kind),
		Instrument:  opp.Instrument,
		LongSource:  opp.LongSource,
		ShortSource: opp.ShortSource,
		HedgeSource: opp.HedgeSource,
		RateDelta:   opp.RateDelta,
		GrossProfit: opp.GrossProfitEstimate,
		FeeCost:     opp.FeeCost,
		NetProfit:   opp.NetProfitEstimate,
		Confidence:  opp.Confidence,
		RiskTier:    string(opp.RiskTier),
		DetectedAt:  opp.CreatedAt,
		ExpiresAt:   opp.ExpiresAt,
	}
	if err := r.opportunities.InsertOpportunity(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("opportunity", opp.ID).Msg("failed to persist opportunity")
	}
}

// RecordPosition persists or refreshes a position row.
func (r *Recorder) RecordPosition(ctx context.Context, position trader.Position) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	rec := PositionRecord{
		ID:              position.ID,
		OpportunityID:   position.OpportunityID,
		Kind:            string(position.Kind),
		Instrument:      position.Instrument,
		Sources:         position.Sources,
		SizeNotional:    position.SizeNotional,
		EntryPrice:      position.EntryPrice,
		CurrentPrice:    position.CurrentPrice,
		Status:          string(position.Status),
		CloseReason:     string(position.CloseReason),
		EstimatedProfit: position.EstimatedProfit,
		RealizedProfit:  position.RealizedProfit,
		OpenedAt:        position.OpenedAt,
		ClosedAt:        position.ClosedAt,
	}
	if err := r.positions.UpsertPosition(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("position", position.ID).Msg("failed to persist position")
	}
}

// RecordRiskSnapshot appends a snapshot row.
func (r *Recorder) RecordRiskSnapshot(ctx context.Context, snapshot risk.Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	rec := RiskSnapshotRecord{
		TotalExposure:     snapshot.TotalExposure,
		DailyPnL:          snapshot.DailyPnL,
		OpenPositionCount: snapshot.OpenPositionCount,
		CorrelationPeak:   snapshot.CorrelationPeak,
		VolatilityPeak:    snapshot.VolatilityPeak,
		DrawdownPct:       snapshot.DrawdownPct,
		GlobalBreakerOpen: snapshot.GlobalBreakerOpen,
		TakenAt:           snapshot.TakenAt,
	}
	if _, err := r.snapshots.InsertRiskSnapshot(ctx, rec); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist risk snapshot")
	}
}
