package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/aggregator"
	"funding-rate-arbiter/internal/detector"
	"funding-rate-arbiter/internal/exchange"
)

// SimulateAlert 以给定的两路资金费率构造一次检测并走完整告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	dispatcher := a.newDispatcher()
	if dispatcher == nil {
		return errors.New("未配置任何告警通道")
	}

	now := time.Now().UTC()
	mark := opts.MarkPrice
	if !mark.IsPositive() {
		mark = decimal.NewFromInt(100)
	}

	snapshot := map[aggregator.Key]exchange.RateSample{
		{Source: "source_a", Instrument: opts.Instrument}: {
			Source:           "source_a",
			Instrument:       opts.Instrument,
			Rate:             opts.RateA,
			MarkPrice:        mark,
			NextSettlementAt: now.Add(4 * time.Hour),
			ObservedAt:       now,
		},
		{Source: "source_b", Instrument: opts.Instrument}: {
			Source:           "source_b",
			Instrument:       opts.Instrument,
			Rate:             opts.RateB,
			MarkPrice:        mark,
			NextSettlementAt: now.Add(4 * time.Hour),
			ObservedAt:       now,
		},
	}

	det := detector.New(detector.Options{
		SpreadThreshold: decimal.NewFromFloat(a.Config.Detector.SpreadThreshold),
		ExtremePositive: decimal.NewFromFloat(a.Config.Detector.ExtremePositive),
		ExtremeNegative: decimal.NewFromFloat(a.Config.Detector.ExtremeNegative),
		MinProfitRate:   decimal.NewFromFloat(a.Config.Detector.MinProfitRate),
		Notional:        decimal.NewFromFloat(a.Config.Trading.Notional),
	}, nil, a.Logger)

	opportunities := det.Detect(now, snapshot)
	if len(opportunities) == 0 {
		return errors.New("给定参数未产生机会，请调大费率差")
	}

	for _, opp := range opportunities {
		dispatcher.OpportunityFound(ctx, opp)
	}
	a.Logger.Info().Int("count", len(opportunities)).Msg("simulated opportunities dispatched")
	return nil
}
