package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertOpportunitySQL = `INSERT INTO opportunities (
        id,
        kind,
        instrument,
        long_source,
        short_source,
        hedge_source,
        rate_delta,
        gross_profit,
        fee_cost,
        net_profit,
        confidence,
        risk_tier,
        detected_at,
        expires_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentOpportunitiesSQL = `SELECT
        id,
        kind,
        instrument,
        long_source,
        short_source,
        hedge_source,
        rate_delta,
        gross_profit,
        fee_cost,
        net_profit,
        confidence,
        risk_tier,
        detected_at,
        expires_at,
        created_at
    FROM opportunities
    ORDER BY detected_at DESC
    LIMIT $1;`

	upsertPositionSQL = `INSERT INTO positions (
        id,
        opportunity_id,
        kind,
        instrument,
        sources,
        size_notional,
        entry_price,
        current_price,
        status,
        close_reason,
        estimated_profit,
        realized_profit,
        opened_at,
        closed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (id) DO UPDATE
    SET
        current_price    = EXCLUDED.current_price,
        status           = EXCLUDED.status,
        close_reason     = EXCLUDED.close_reason,
        estimated_profit = EXCLUDED.estimated_profit,
        realized_profit  = EXCLUDED.realized_profit,
        closed_at        = EXCLUDED.closed_at;`

	listRecentPositionsSQL = `SELECT
        id,
        opportunity_id,
        kind,
        instrument,
        sources,
        size_notional,
        entry_price,
        current_price,
        status,
        close_reason,
        estimated_profit,
        realized_profit,
        opened_at,
        closed_at,
        created_at
    FROM positions
    ORDER BY opened_at DESC
    LIMIT $1;`

	listPositionsBetweenSQL = `SELECT
        id,
        opportunity_id,
        kind,
        instrument,
        sources,
        size_notional,
        entry_price,
        current_price,
        status,
        close_reason,
        estimated_profit,
        realized_profit,
        opened_at,
        closed_at,
        created_at
    FROM positions
    WHERE opened_at >= $1
      AND opened_at < $2
    ORDER BY opened_at;`

	insertRiskSnapshotSQL = `INSERT INTO risk_snapshots (
        total_exposure,
        daily_pnl,
        open_position_count,
        correlation_peak,
        volatility_peak,
        drawdown_pct,
        global_breaker_open,
        taken_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    ) RETURNING id;`

	listRecentRiskSnapshotsSQL = `SELECT
        id,
        total_exposure,
        daily_pnl,
        open_position_count,
        correlation_peak,
        volatility_peak,
        drawdown_pct,
        global_breaker_open,
        taken_at,
        created_at
    FROM risk_snapshots
    ORDER BY taken_at DESC
    LIMIT $1;`

	countOpportunitiesSQL = `SELECT COUNT(*) FROM opportunities;`

	deleteOpportunitiesBeforeSQL = `DELETE FROM opportunities WHERE detected_at < $1;`
)

// OpportunityStore defines persistence for detection results.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, rec OpportunityRecord) error
	ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error)
	CountOpportunities(ctx context.Context) (int64, error)
	DeleteOpportunitiesBefore(ctx context.Context, olderThan time.Time) error
}

// PositionStore defines persistence for position lifecycle rows.
type PositionStore interface {
	UpsertPosition(ctx context.Context, rec PositionRecord) error
	ListRecentPositions(ctx context.Context, limit int) ([]PositionRecord, error)
	ListPositionsBetween(ctx context.Context, from, to time.Time) ([]PositionRecord, error)
}

// RiskSnapshotStore defines persistence for risk snapshots.
type RiskSnapshotStore interface {
	InsertRiskSnapshot(ctx context.Context, rec RiskSnapshotRecord) (int64, error)
	ListRecentRiskSnapshots(ctx context.Context, limit int) ([]RiskSnapshotRecord, error)
}

// Store aggregates access to opportunities, positions, and snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertOpportunity persists a detection; replays of the same id are
// ignored.
func (s *Store) InsertOpportunity(ctx context.Context, rec OpportunityRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertOpportunitySQL,
		rec.ID,
		rec.Kind,
		rec.Instrument,
		rec.LongSource,
		rec.ShortSource,
		rec.HedgeSource,
		rec.RateDelta.String(),
		rec.GrossProfit.String(),
		rec.FeeCost.String(),
		rec.NetProfit.String(),
		rec.Confidence,
		rec.RiskTier,
		rec.DetectedAt,
		rec.ExpiresAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert opportunity: %w", execErr)
	}
	return nil
}

// ListRecentOpportunities lists the newest detections first.
func (s *Store) ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentOpportunitiesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent opportunities: %w", queryErr)
	}
	defer rows.Close()

	records := make([]OpportunityRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanOpportunity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountOpportunities counts stored detections.
func (s *Store) CountOpportunities(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countOpportunitiesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count opportunities: %w", scanErr)
	}
	return count, nil
}

// DeleteOpportunitiesBefore prunes historical detections.
func (s *Store) DeleteOpportunitiesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteOpportunitiesBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete opportunities before: %w", execErr)
	}
	return nil
}

// UpsertPosition persists or refreshes a position row.
func (s *Store) UpsertPosition(ctx context.Context, rec PositionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var closedAt interface{}
	if rec.ClosedAt != nil {
		closedAt = *rec.ClosedAt
	}

	_, execErr := pool.Exec(ctx, upsertPositionSQL,
		rec.ID,
		rec.OpportunityID,
		rec.Kind,
		rec.Instrument,
		rec.Sources,
		rec.SizeNotional.String(),
		rec.EntryPrice.String(),
		rec.CurrentPrice.String(),
		rec.Status,
		rec.CloseReason,
		rec.EstimatedProfit.String(),
		rec.RealizedProfit.String(),
		rec.OpenedAt,
		closedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert position: %w", execErr)
	}
	return nil
}

// ListRecentPositions lists the newest positions first.
func (s *Store) ListRecentPositions(ctx context.Context, limit int) ([]PositionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPositionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent positions: %w", queryErr)
	}
	defer rows.Close()

	return collectPositions(rows, limit)
}

// ListPositionsBetween lists positions opened within a window.
func (s *Store) ListPositionsBetween(ctx context.Context, from, to time.Time) ([]PositionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPositionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list positions between: %w", queryErr)
	}
	defer rows.Close()

	return collectPositions(rows, 0)
}

// InsertRiskSnapshot appends a snapshot and returns its id.
func (s *Store) InsertRiskSnapshot(ctx context.Context, rec RiskSnapshotRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertRiskSnapshotSQL,
		rec.TotalExposure.String(),
		rec.DailyPnL.String(),
		rec.OpenPositionCount,
		rec.CorrelationPeak,
		rec.VolatilityPeak,
		rec.DrawdownPct,
		rec.GlobalBreakerOpen,
		rec.TakenAt,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert risk snapshot: %w", scanErr)
	}
	return id, nil
}

// ListRecentRiskSnapshots lists the newest snapshots first.
func (s *Store) ListRecentRiskSnapshots(ctx context.Context, limit int) ([]RiskSnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRiskSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent risk snapshots: %w", queryErr)
	}
	defer rows.Close()

	records := make([]RiskSnapshotRecord, 0, limit)
	for rows.Next() {
		var (
			rec         RiskSnapshotRecord
			exposureStr string
			dailyPnLStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&exposureStr,
			&dailyPnLStr,
			&rec.OpenPositionCount,
			&rec.CorrelationPeak,
			&rec.VolatilityPeak,
			&rec.DrawdownPct,
			&rec.GlobalBreakerOpen,
			&rec.TakenAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.TotalExposure, convErr = decimal.NewFromString(exposureStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse total exposure: %w", convErr)
		}
		rec.DailyPnL, convErr = decimal.NewFromString(dailyPnLStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse daily pnl: %w", convErr)
		}

		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func collectPositions(rows pgx.Rows, sizeHint int) ([]PositionRecord, error) {
	records := make([]PositionRecord, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanOpportunity(rows pgx.Rows) (OpportunityRecord, error) {
	var (
		rec         OpportunityRecord
		rateStr     string
		grossStr    string
		feeStr      string
		netStr      string
		hedgeSource sql.NullString
		longSource  sql.NullString
		shortSource sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Instrument,
		&longSource,
		&shortSource,
		&hedgeSource,
		&rateStr,
		&grossStr,
		&feeStr,
		&netStr,
		&rec.Confidence,
		&rec.RiskTier,
		&rec.DetectedAt,
		&rec.ExpiresAt,
		&rec.CreatedAt,
	); err != nil {
		return OpportunityRecord{}, err
	}

	rec.LongSource = longSource.String
	rec.ShortSource = shortSource.String
	rec.HedgeSource = hedgeSource.String

	var err error
	if rec.RateDelta, err = decimal.NewFromString(rateStr); err != nil {
		return OpportunityRecord{}, fmt.Errorf("parse rate delta: %w", err)
	}
	if rec.GrossProfit, err = decimal.NewFromString(grossStr); err != nil {
		return OpportunityRecord{}, fmt.Errorf("parse gross profit: %w", err)
	}
	if rec.FeeCost, err = decimal.NewFromString(feeStr); err != nil {
		return OpportunityRecord{}, fmt.Errorf("parse fee cost: %w", err)
	}
	if rec.NetProfit, err = decimal.NewFromString(netStr); err != nil {
		return OpportunityRecord{}, fmt.Errorf("parse net profit: %w", err)
	}

	return rec, nil
}

func scanPosition(rows pgx.Rows) (PositionRecord, error) {
	var (
		rec          PositionRecord
		sizeStr      string
		entryStr     string
		currentStr   string
		estimatedStr string
		realizedStr  string
		closeReason  sql.NullString
		closedAt     sql.NullTime
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.OpportunityID,
		&rec.Kind,
		&rec.Instrument,
		&rec.Sources,
		&sizeStr,
		&entryStr,
		&currentStr,
		&rec.Status,
		&closeReason,
		&estimatedStr,
		&realizedStr,
		&rec.OpenedAt,
		&closedAt,
		&rec.CreatedAt,
	); err != nil {
		return PositionRecord{}, err
	}

	rec.CloseReason = closeReason.String
	if closedAt.Valid {
		value := closedAt.Time
		rec.ClosedAt = &value
	}

	var err error
	if rec.SizeNotional, err = decimal.NewFromString(sizeStr); err != nil {
		return PositionRecord{}, fmt.Errorf("parse size notional: %w", err)
	}
	if rec.EntryPrice, err = decimal.NewFromString(entryStr); err != nil {
		return PositionRecord{}, fmt.Errorf("parse entry price: %w", err)
	}
	if rec.CurrentPrice, err = decimal.NewFromString(currentStr); err != nil {
		return PositionRecord{}, fmt.Errorf("parse current price: %w", err)
	}
	if rec.EstimatedProfit, err = decimal.NewFromString(estimatedStr); err != nil {
		return PositionRecord{}, fmt.Errorf("parse estimated profit: %w", err)
	}
	if rec.RealizedProfit, err = decimal.NewFromString(realizedStr); err != nil {
		return PositionRecord{}, fmt.Errorf("parse realized profit: %w", err)
	}

	return rec, nil
}
