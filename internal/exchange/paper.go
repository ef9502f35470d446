package exchange

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Paper wraps a Capability and intercepts order placement, acknowledging
// orders without routing them. Market data calls pass through, so safe
// mode exercises the full pipeline against live rates.
type Paper struct {
	Capability
	logger zerolog.Logger
}

// NewPaper wraps a live capability for safe-mode execution.
func NewPaper(inner Capability, logger zerolog.Logger) *Paper {
	return &Paper{
		Capability: inner,
		logger:     logger.With().Str("component", "exchange_paper").Str("source", inner.Name()).Logger(),
	}
}

// PlaceOrder acknowledges the order at the last known mark price.
func (p *Paper) PlaceOrder(ctx context.Context, instrument string, side Side, size decimal.Decimal) (OrderResult, error) {
	avg := decimal.Zero
	if sample, err := p.Capability.FetchRate(ctx, instrument); err == nil {
		avg = sample.MarkPrice
	}

	result := OrderResult{
		OrderID:    "paper-" + uuid.NewString(),
		Status:     "filled",
		FilledSize: size,
		AvgPrice:   avg,
	}
	p.logger.Info().
		Str("instrument", instrument).
		Str("side", string(side)).
		Str("size", size.String()).
		Msg("paper order acknowledged")
	return result, nil
}

var _ Capability = (*Paper)(nil)
