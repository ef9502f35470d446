package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/detector"
	"funding-rate-arbiter/internal/exchange"
	"funding-rate-arbiter/internal/risk"
)

// Status is a position's lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// CloseReason explains why a position was unwound.
type CloseReason string

const (
	CloseSettlement     CloseReason = "settlement"
	CloseMaxHolding     CloseReason = "max_holding"
	CloseStopLoss       CloseReason = "stop_loss"
	CloseTakeProfit     CloseReason = "take_profit"
	CloseTierEscalation CloseReason = "tier_escalation"
	CloseShutdown       CloseReason = "shutdown"
)

var (
	// ErrExpired marks an opportunity whose TTL passed before evaluation.
	ErrExpired = errors.New("trader: opportunity expired")
	// ErrExecutionFailed marks a failed order placement; the candidate is
	// discarded, never retried automatically.
	ErrExecutionFailed = errors.New("trader: order placement failed")
)

type exitPlan struct {
	settleAt   time.Time
	deadline   time.Time
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
}

// Position is exclusively owned and mutated by the trader; everyone
// else receives copies.
type Position struct {
	ID              string          `json:"id"`
	OpportunityID   string          `json:"opportunity_id"`
	Kind            detector.Kind   `json:"kind"`
	Instrument      string          `json:"instrument"`
	Sources         []string        `json:"sources"`
	SizeNotional    decimal.Decimal `json:"size_notional"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	Status          Status          `json:"status"`
	CloseReason     CloseReason     `json:"close_reason,omitempty"`
	EstimatedProfit decimal.Decimal `json:"estimated_profit"`
	RealizedProfit  decimal.Decimal `json:"realized_profit"`

	exits exitPlan
	legs  []orderLeg
}

// Recorder is the optional fire-and-forget persistence sink.
type Recorder interface {
	RecordPosition(ctx context.Context, position Position)
}

// Notifier is the optional fire-and-forget notification sink.
type Notifier interface {
	PositionOpened(ctx context.Context, position Position)
	PositionClosed(ctx context.Context, position Position)
}

// Options tune gating and lifecycle behaviour.
type Options struct {
	MaxSinglePosition decimal.Decimal
	MaxHolding        time.Duration
	StopLossPct       decimal.Decimal
	TakeProfitPct     decimal.Decimal
	OrderTimeout      time.Duration
	// DefaultKellyFraction applies until enough closes exist to compute
	// win statistics.
	DefaultKellyFraction decimal.Decimal
	MinClosesForKelly    int
}

// Trader is the risk gate and position lifecycle owner. Evaluation and
// commit of a proposal are serialized process-wide so two concurrent
// candidates cannot both pass a budget check only one should pass.
type Trader struct {
	sources map[string]exchange.Capability
	rm      *risk.Manager
	opts    Options
	logger  zerolog.Logger

	recorder Recorder
	notifier Notifier

	decisionMu sync.Mutex

	posMu  sync.RWMutex
	open   map[string]*Position
	closed []Position

	statsMu   sync.Mutex
	winCount  int
	lossCount int
	sumWins   decimal.Decimal
	sumLosses decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// New constructs a trader over the given execution sources.
func New(sources map[string]exchange.Capability, rm *risk.Manager, opts Options, recorder Recorder, notifier Notifier, logger zerolog.Logger) *Trader {
	if opts.MaxHolding <= 0 {
		opts.MaxHolding = 8*time.Hour + 30*time.Minute
	}
	if opts.StopLossPct.IsZero() {
		opts.StopLossPct = decimal.NewFromFloat(2.0)
	}
	if opts.TakeProfitPct.IsZero() {
		opts.TakeProfitPct = decimal.NewFromFloat(1.0)
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 15 * time.Second
	}
	if opts.DefaultKellyFraction.IsZero() {
		opts.DefaultKellyFraction = decimal.NewFromFloat(0.25)
	}
	if opts.MinClosesForKelly <= 0 {
		opts.MinClosesForKelly = 5
	}
	return &Trader{
		sources:  sources,
		rm:       rm,
		opts:     opts,
		logger:   logger.With().Str("component", "trader").Logger(),
		recorder: recorder,
		notifier: notifier,
		open:     make(map[string]*Position),
	}
}

// Evaluate gates one opportunity: Proposed → Approved → Open, or a
// typed rejection. Rejections never retry; execution failures count
// against the strategy's circuit breaker and discard the candidate.
func (t *Trader) Evaluate(ctx context.Context, opp detector.Opportunity) (Position, error) {
	now := time.Now().UTC()
	if opp.Expired(now) {
		return Position{}, ErrExpired
	}

	size := t.positionSize()

	// Check-then-reserve must be atomic across concurrent proposals.
	t.decisionMu.Lock()
	if err := t.rm.Check(opp.Strategy(), opp.Instrument, size); err != nil {
		t.decisionMu.Unlock()
		t.logger.Info().
			Str("opportunity", opp.ID).
			Str("instrument", opp.Instrument).
			Str("reason", string(risk.ReasonOf(err))).
			Msg("proposal rejected")
		return Position{}, err
	}
	t.rm.RegisterOpen(opp.Instrument, size)
	t.decisionMu.Unlock()

	position, err := t.openPosition(ctx, opp, size, now)
	if err != nil {
		t.rm.Release(opp.Instrument, size)
		t.rm.RecordExecutionFailure(opp.Strategy())
		t.logger.Warn().Err(err).
			Str("opportunity", opp.ID).
			Str("instrument", opp.Instrument).
			Msg("order placement failed; candidate discarded")
		return Position{}, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	t.rm.RecordExecutionSuccess(opp.Strategy())

	t.posMu.Lock()
	t.open[position.ID] = position
	t.posMu.Unlock()

	t.logger.Info().
		Str("position", position.ID).
		Str("instrument", position.Instrument).
		Str("size", position.SizeNotional.String()).
		Str("kind", string(position.Kind)).
		Msg("position opened")

	snapshot := *position
	if t.recorder != nil {
		t.recorder.RecordPosition(ctx, snapshot)
	}
	if t.notifier != nil {
		t.notifier.PositionOpened(ctx, snapshot)
	}
	return snapshot, nil
}

func (t *Trader) openPosition(ctx context.Context, opp detector.Opportunity, size decimal.Decimal, now time.Time) (*Position, error) {
	legs, sources, err := t.legsFor(opp)
	if err != nil {
		return nil, err
	}

	entry := decimal.Zero
	filled := make([]orderLeg, 0, len(legs))
	for _, leg := range legs {
		orderCtx, cancel := context.WithTimeout(ctx, t.opts.OrderTimeout)
		result, err := leg.source.PlaceOrder(orderCtx, opp.Instrument, leg.side, size)
		cancel()
		if err != nil {
			t.unwindFilled(ctx, opp.Strategy(), opp.Instrument, size, filled)
			return nil, err
		}
		filled = append(filled, leg)
		if entry.IsZero() && result.AvgPrice.IsPositive() {
			entry = result.AvgPrice
		}
	}

	plan := exitPlan{
		settleAt: opp.Exit.SettlementAt,
		deadline: now.Add(t.opts.MaxHolding),
	}
	if entry.IsPositive() {
		plan.stopLoss = entry.Mul(decimal.NewFromInt(1).Sub(t.opts.StopLossPct.Div(hundred)))
		plan.takeProfit = entry.Mul(decimal.NewFromInt(1).Add(t.opts.TakeProfitPct.Div(hundred)))
	}

	return &Position{
		ID:              uuid.NewString(),
		OpportunityID:   opp.ID,
		Kind:            opp.Kind,
		Instrument:      opp.Instrument,
		Sources:         sources,
		SizeNotional:    size,
		EntryPrice:      entry,
		CurrentPrice:    entry,
		OpenedAt:        now,
		Status:          StatusOpen,
		EstimatedProfit: opp.NetProfitEstimate,
		exits:           plan,
		legs:            legs,
	}, nil
}

// unwindFilled flattens the legs already filled when a later leg fails,
// so a partial open never leaves one-sided exposure at a venue.
func (t *Trader) unwindFilled(ctx context.Context, strategy, instrument string, size decimal.Decimal, filled []orderLeg) {
	for _, leg := range filled {
		orderCtx, cancel := context.WithTimeout(ctx, t.opts.OrderTimeout)
		_, err := leg.source.PlaceOrder(orderCtx, instrument, oppositeSide(leg.side), size)
		cancel()
		if err != nil {
			t.rm.RecordExecutionFailure(strategy)
			t.logger.Error().Err(err).
				Str("source", leg.source.Name()).
				Str("instrument", instrument).
				Msg("rollback order failed; one-sided exposure may remain")
		}
	}
}

type orderLeg struct {
	source exchange.Capability
	side   exchange.Side
}

func oppositeSide(side exchange.Side) exchange.Side {
	if side == exchange.SideBuy {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func (t *Trader) legsFor(opp detector.Opportunity) ([]orderLeg, []string, error) {
	switch opp.Kind {
	case detector.KindCrossSource:
		long, ok := t.sources[opp.LongSource]
		if !ok {
			return nil, nil, fmt.Errorf("unknown source %q", opp.LongSource)
		}
		short, ok := t.sources[opp.ShortSource]
		if !ok {
			return nil, nil, fmt.Errorf("unknown source %q", opp.ShortSource)
		}
		return []orderLeg{
			{source: long, side: exchange.SideBuy},
			{source: short, side: exchange.SideSell},
		}, []string{opp.LongSource, opp.ShortSource}, nil

	case detector.KindExtremeRate:
		hedge, ok := t.sources[opp.HedgeSource]
		if !ok {
			return nil, nil, fmt.Errorf("unknown source %q", opp.HedgeSource)
		}
		side := exchange.SideSell
		if opp.SyntheticLeg == detector.LegLongPerpShortSpot {
			side = exchange.SideBuy
		}
		return []orderLeg{{source: hedge, side: side}}, []string{opp.HedgeSource}, nil

	default:
		return nil, nil, fmt.Errorf("unknown opportunity kind %q", opp.Kind)
	}
}

// positionSize applies a capped Kelly fraction to the single-position
// limit.
func (t *Trader) positionSize() decimal.Decimal {
	return t.opts.MaxSinglePosition.Mul(t.kellyFraction())
}

func (t *Trader) kellyFraction() decimal.Decimal {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	closes := t.winCount + t.lossCount
	if closes < t.opts.MinClosesForKelly || t.winCount == 0 {
		return t.opts.DefaultKellyFraction
	}

	winRate := decimal.NewFromInt(int64(t.winCount)).Div(decimal.NewFromInt(int64(closes)))
	avgWin := t.sumWins.Div(decimal.NewFromInt(int64(t.winCount)))
	avgLoss := decimal.Zero
	if t.lossCount > 0 {
		avgLoss = t.sumLosses.Div(decimal.NewFromInt(int64(t.lossCount)))
	}
	if !avgWin.IsPositive() {
		return t.opts.DefaultKellyFraction
	}

	one := decimal.NewFromInt(1)
	kelly := winRate.Mul(avgWin).Sub(one.Sub(winRate).Mul(avgLoss)).Div(avgWin)
	if kelly.IsNegative() {
		return decimal.Zero
	}
	if kelly.GreaterThan(one) {
		return one
	}
	return kelly
}

// MonitorOnce walks the open positions, refreshes prices, and closes
// any whose exit condition fired. priceOf supplies the latest mark
// price when one is known.
func (t *Trader) MonitorOnce(ctx context.Context, now time.Time, priceOf func(instrument string) (decimal.Decimal, bool)) {
	t.posMu.RLock()
	candidates := make([]*Position, 0, len(t.open))
	prices := make([]decimal.Decimal, 0, len(t.open))
	for _, position := range t.open {
		candidates = append(candidates, position)
		prices = append(prices, position.CurrentPrice)
	}
	t.posMu.RUnlock()

	for i, position := range candidates {
		if ctx.Err() != nil {
			return
		}

		price := prices[i]
		if priceOf != nil {
			if latest, ok := priceOf(position.Instrument); ok && latest.IsPositive() {
				price = latest
				t.posMu.Lock()
				position.CurrentPrice = latest
				t.posMu.Unlock()
			}
		}

		if reason, due := t.exitDue(position, now, price); due {
			t.close(ctx, position, now, price, reason)
		}
	}
}

func (t *Trader) exitDue(position *Position, now time.Time, price decimal.Decimal) (CloseReason, bool) {
	plan := position.exits
	if !plan.settleAt.IsZero() && !now.Before(plan.settleAt) {
		return CloseSettlement, true
	}
	if !now.Before(plan.deadline) {
		return CloseMaxHolding, true
	}
	if plan.stopLoss.IsPositive() && price.IsPositive() && price.LessThanOrEqual(plan.stopLoss) {
		return CloseStopLoss, true
	}
	if plan.takeProfit.IsPositive() && price.IsPositive() && price.GreaterThanOrEqual(plan.takeProfit) {
		return CloseTakeProfit, true
	}
	if t.rm.VolatilityExceeded(position.Instrument) {
		return CloseTierEscalation, true
	}
	return "", false
}

// CloseAll unwinds every open position, used on shutdown.
func (t *Trader) CloseAll(ctx context.Context) {
	t.posMu.RLock()
	candidates := make([]*Position, 0, len(t.open))
	prices := make([]decimal.Decimal, 0, len(t.open))
	for _, position := range t.open {
		candidates = append(candidates, position)
		prices = append(prices, position.CurrentPrice)
	}
	t.posMu.RUnlock()

	now := time.Now().UTC()
	for i, position := range candidates {
		t.close(ctx, position, now, prices[i], CloseShutdown)
	}
}

// close unwinds the position's legs, records the realized outcome with
// the risk manager, and retires the position. Unwind order failures are
// logged and counted but never leave the position open.
func (t *Trader) close(ctx context.Context, position *Position, now time.Time, price decimal.Decimal, reason CloseReason) {
	t.posMu.Lock()
	if position.Status != StatusOpen {
		t.posMu.Unlock()
		return
	}
	position.Status = StatusClosed
	t.posMu.Unlock()

	// Each leg is flattened with the opposite of its entry side.
	for _, leg := range position.legs {
		orderCtx, cancel := context.WithTimeout(ctx, t.opts.OrderTimeout)
		_, err := leg.source.PlaceOrder(orderCtx, position.Instrument, oppositeSide(leg.side), position.SizeNotional)
		cancel()
		if err != nil {
			t.rm.RecordExecutionFailure(string(position.Kind))
			t.logger.Error().Err(err).
				Str("position", position.ID).
				Str("source", leg.source.Name()).
				Msg("unwind order failed")
		}
	}

	realized := t.realizedFor(position, price, reason)

	t.posMu.Lock()
	closedAt := now
	position.ClosedAt = &closedAt
	position.CloseReason = reason
	position.RealizedProfit = realized
	if price.IsPositive() {
		position.CurrentPrice = price
	}
	snapshot := *position
	delete(t.open, position.ID)
	t.closed = append(t.closed, snapshot)
	if len(t.closed) > 1000 {
		t.closed = t.closed[len(t.closed)-1000:]
	}
	t.posMu.Unlock()

	t.recordOutcome(realized)
	t.rm.RegisterClose(string(position.Kind), position.Instrument, position.SizeNotional, realized)

	t.logger.Info().
		Str("position", snapshot.ID).
		Str("instrument", snapshot.Instrument).
		Str("reason", string(reason)).
		Str("realized", realized.String()).
		Msg("position closed")

	if t.recorder != nil {
		t.recorder.RecordPosition(ctx, snapshot)
	}
	if t.notifier != nil {
		t.notifier.PositionClosed(ctx, snapshot)
	}
}

// realizedFor settles the outcome by exit reason. Funding is treated as
// collected once the settlement straddle completed; stop/take exits
// settle at their configured distance from entry.
func (t *Trader) realizedFor(position *Position, price decimal.Decimal, reason CloseReason) decimal.Decimal {
	switch reason {
	case CloseSettlement, CloseMaxHolding:
		return position.EstimatedProfit
	case CloseStopLoss:
		return position.SizeNotional.Mul(t.opts.StopLossPct).Div(hundred).Neg()
	case CloseTakeProfit:
		return position.SizeNotional.Mul(t.opts.TakeProfitPct).Div(hundred)
	default:
		// Forced exits before settlement collect nothing.
		return decimal.Zero
	}
}

func (t *Trader) recordOutcome(realized decimal.Decimal) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	if realized.IsNegative() {
		t.lossCount++
		t.sumLosses = t.sumLosses.Add(realized.Abs())
	} else {
		t.winCount++
		t.sumWins = t.sumWins.Add(realized)
	}
}

// Positions returns copies of positions matching status; an empty
// status returns everything.
func (t *Trader) Positions(status Status) []Position {
	t.posMu.RLock()
	defer t.posMu.RUnlock()

	var out []Position
	if status == "" || status == StatusOpen {
		for _, position := range t.open {
			out = append(out, *position)
		}
	}
	if status == "" || status == StatusClosed {
		out = append(out, t.closed...)
	}
	return out
}

// OpenCount reports the number of currently open positions.
func (t *Trader) OpenCount() int {
	t.posMu.RLock()
	defer t.posMu.RUnlock()
	return len(t.open)
}
