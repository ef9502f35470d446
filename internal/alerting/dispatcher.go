package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-arbiter/internal/detector"
	"funding-rate-arbiter/internal/risk"
	"funding-rate-arbiter/internal/trader"
)

// Dispatcher 将管线事件转换为告警消息并做冷却去重。
type Dispatcher struct {
	notifier Notifier
	channels []string
	cooldown time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher 构造事件分发器。
func NewDispatcher(notifier Notifier, channels []string, cooldown time.Duration, logger zerolog.Logger) *Dispatcher {
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	return &Dispatcher{
		notifier: notifier,
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// OpportunityFound 推送新机会。同一标的的重复检测在冷却期内不再提醒。
func (d *Dispatcher) OpportunityFound(ctx context.Context, opp detector.Opportunity) {
	key := fmt.Sprintf("opportunity/%s/%s", opp.Kind, opp.Instrument)
	if !d.pass(key, opp.CreatedAt) {
		return
	}
	d.send(ctx, Event{
		Kind:    "Opportunity",
		Subject: opp.Instrument,
		At:      opp.CreatedAt,
		Lines: []string{
			fmt.Sprintf("Type: %s", opp.Kind),
			fmt.Sprintf("Rate delta: %s", opp.RateDelta.String()),
			fmt.Sprintf("Net profit est: %s", opp.NetProfitEstimate.StringFixed(4)),
			fmt.Sprintf("Confidence: %.2f", opp.Confidence),
			fmt.Sprintf("Risk tier: %s", opp.RiskTier),
		},
		Channels: d.channels,
	})
}

// PositionOpened 推送开仓事件，不做冷却。
func (d *Dispatcher) PositionOpened(ctx context.Context, position trader.Position) {
	d.send(ctx, Event{
		Kind:    "Position Opened",
		Subject: position.Instrument,
		At:      position.OpenedAt,
		Lines: []string{
			fmt.Sprintf("ID: %s", position.ID),
			fmt.Sprintf("Strategy: %s", position.Kind),
			fmt.Sprintf("Size: %s", position.SizeNotional.StringFixed(2)),
			fmt.Sprintf("Entry: %s", position.EntryPrice.String()),
		},
		Channels: d.channels,
	})
}

// PositionClosed 推送平仓事件，不做冷却。
func (d *Dispatcher) PositionClosed(ctx context.Context, position trader.Position) {
	at := time.Now().UTC()
	if position.ClosedAt != nil {
		at = *position.ClosedAt
	}
	d.send(ctx, Event{
		Kind:    "Position Closed",
		Subject: position.Instrument,
		At:      at,
		Lines: []string{
			fmt.Sprintf("ID: %s", position.ID),
			fmt.Sprintf("Reason: %s", position.CloseReason),
			fmt.Sprintf("Realized: %s", position.RealizedProfit.StringFixed(4)),
		},
		Channels: d.channels,
	})
}

// RiskAlert 推送风控熔断事件。
func (d *Dispatcher) RiskAlert(ctx context.Context, snapshot risk.Snapshot) {
	if !d.pass("risk/global_breaker", snapshot.TakenAt) {
		return
	}
	d.send(ctx, Event{
		Kind:    "Risk Alert",
		Subject: "global circuit breaker open",
		At:      snapshot.TakenAt,
		Lines: []string{
			fmt.Sprintf("Exposure: %s", snapshot.TotalExposure.StringFixed(2)),
			fmt.Sprintf("Daily PnL: %s", snapshot.DailyPnL.StringFixed(2)),
			fmt.Sprintf("Drawdown: %.2f%%", snapshot.DrawdownPct),
			fmt.Sprintf("Open positions: %d", snapshot.OpenPositionCount),
		},
		Channels: d.channels,
	})
}

func (d *Dispatcher) pass(key string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[key]; ok && at.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = at
	return true
}

func (d *Dispatcher) send(ctx context.Context, event Event) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Error().Err(err).Str("kind", event.Kind).Msg("failed to dispatch alert")
	}
}
