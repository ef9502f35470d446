package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityRecord is a persisted detection result.
type OpportunityRecord struct {
	ID          string
	Kind        string
	Instrument  string
	LongSource  string
	ShortSource string
	HedgeSource string
	RateDelta   decimal.Decimal
	GrossProfit decimal.Decimal
	FeeCost     decimal.Decimal
	NetProfit   decimal.Decimal
	Confidence  float64
	RiskTier    string
	DetectedAt  time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// PositionRecord mirrors a position's lifecycle row. Rows are upserted
// by position id so open and close both land on the same record.
type PositionRecord struct {
	ID              string
	OpportunityID   string
	Kind            string
	Instrument      string
	Sources         []string
	SizeNotional    decimal.Decimal
	EntryPrice      decimal.Decimal
	CurrentPrice    decimal.Decimal
	Status          string
	CloseReason     string
	EstimatedProfit decimal.Decimal
	RealizedProfit  decimal.Decimal
	OpenedAt        time.Time
	ClosedAt        *time.Time
	CreatedAt       time.Time
}

// RiskSnapshotRecord is a point-in-time portfolio risk view.
type RiskSnapshotRecord struct {
	ID                int64
	TotalExposure     decimal.Decimal
	DailyPnL          decimal.Decimal
	OpenPositionCount int
	CorrelationPeak   float64
	VolatilityPeak    float64
	DrawdownPct       float64
	GlobalBreakerOpen bool
	TakenAt           time.Time
	CreatedAt         time.Time
}
