package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RejectReason is the typed cause of a gate rejection.
type RejectReason string

const (
	RejectExposure      RejectReason = "exposure"
	RejectPositionSize  RejectReason = "size"
	RejectPositionCount RejectReason = "count"
	RejectDailyLoss     RejectReason = "daily_loss"
	RejectCorrelation   RejectReason = "correlation"
	RejectVolatility    RejectReason = "volatility"
	RejectBreakerOpen   RejectReason = "breaker_open"
)

// Rejection is returned when a proposal fails a risk check. It is
// surfaced, never retried automatically.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", r.Reason, r.Detail)
}

// ReasonOf extracts the typed reason from an error chain, or "".
func ReasonOf(err error) RejectReason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// Limits are the shared risk budgets every approval is gated against.
type Limits struct {
	MaxTotalExposure  decimal.Decimal
	MaxSinglePosition decimal.Decimal
	MaxPositions      int
	DailyLossLimit    decimal.Decimal
	MaxCorrelation    float64
	MaxVolatility     float64
	MaxDrawdownPct    float64
	BreakerThreshold  int
	RecoveryTimeout   time.Duration
}

// Snapshot is the derived view of current risk state; always
// recomputable from live positions and rolling history.
type Snapshot struct {
	TotalExposure     decimal.Decimal `json:"total_exposure"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	OpenPositionCount int             `json:"open_position_count"`
	CorrelationPeak   float64         `json:"correlation_peak"`
	VolatilityPeak    float64         `json:"volatility_peak"`
	DrawdownPct       float64         `json:"drawdown_pct"`
	GlobalBreakerOpen bool            `json:"global_breaker_open"`
	TakenAt           time.Time       `json:"taken_at"`
}

type pnlEntry struct {
	at     time.Time
	amount decimal.Decimal
}

// Manager owns exposure accounting, correlation/volatility windows,
// circuit breakers, and the drawdown kill-switch. The gate registers
// opens and closes; everything else reads snapshots.
type Manager struct {
	limits Limits
	logger zerolog.Logger

	correlations *Windows
	volatilities *Windows

	mu              sync.Mutex
	global          *Breaker
	byStrategy      map[string]*Breaker
	totalExposure   decimal.Decimal
	openInstruments map[string]int
	pnlHistory      []pnlEntry
	pnlNext         int
	pnlCount        int
	equity          decimal.Decimal
	peakEquity      decimal.Decimal
}

const pnlHistorySize = 1000

// NewManager constructs a risk manager with the given limits.
func NewManager(limits Limits, logger zerolog.Logger) *Manager {
	if limits.BreakerThreshold <= 0 {
		limits.BreakerThreshold = 5
	}
	if limits.RecoveryTimeout <= 0 {
		limits.RecoveryTimeout = 5 * time.Minute
	}
	return &Manager{
		limits:          limits,
		logger:          logger.With().Str("component", "risk").Logger(),
		correlations:    NewWindows(100),
		volatilities:    NewWindows(20),
		global:          NewBreaker("global", limits.BreakerThreshold, limits.RecoveryTimeout),
		byStrategy:      make(map[string]*Breaker),
		openInstruments: make(map[string]int),
	}
}

// ObservePrice feeds a price tick into the correlation and volatility
// windows. Called on every aggregator sample the detector sees.
func (m *Manager) ObservePrice(instrument string, price float64) {
	m.correlations.ObservePrice(instrument, price)
	m.volatilities.ObservePrice(instrument, price)
}

// Check runs every risk check for a proposal, in budget order; the
// first failing check determines the typed rejection. The caller (the
// gate) serializes Check-then-RegisterOpen.
func (m *Manager) Check(strategy, instrument string, notional decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalExposure.Add(notional).GreaterThan(m.limits.MaxTotalExposure) {
		return &Rejection{Reason: RejectExposure, Detail: fmt.Sprintf(
			"total exposure %s + %s exceeds %s",
			m.totalExposure, notional, m.limits.MaxTotalExposure)}
	}
	if notional.GreaterThan(m.limits.MaxSinglePosition) {
		return &Rejection{Reason: RejectPositionSize, Detail: fmt.Sprintf(
			"size %s exceeds single-position cap %s", notional, m.limits.MaxSinglePosition)}
	}
	if m.openCountLocked() >= m.limits.MaxPositions {
		return &Rejection{Reason: RejectPositionCount, Detail: fmt.Sprintf(
			"open positions at cap %d", m.limits.MaxPositions)}
	}
	if daily := m.dailyPnLLocked(time.Now()); daily.LessThan(m.limits.DailyLossLimit.Neg()) {
		return &Rejection{Reason: RejectDailyLoss, Detail: fmt.Sprintf(
			"daily pnl %s below -%s", daily, m.limits.DailyLossLimit)}
	}
	for open := range m.openInstruments {
		if open == instrument {
			continue
		}
		corr := m.correlations.Correlation(instrument, open)
		if corr > m.limits.MaxCorrelation || -corr > m.limits.MaxCorrelation {
			return &Rejection{Reason: RejectCorrelation, Detail: fmt.Sprintf(
				"%s vs %s correlation %.3f exceeds %.3f", instrument, open, corr, m.limits.MaxCorrelation)}
		}
	}
	if vol := m.volatilities.Volatility(instrument); vol > m.limits.MaxVolatility {
		return &Rejection{Reason: RejectVolatility, Detail: fmt.Sprintf(
			"%s annualized volatility %.3f exceeds %.3f", instrument, vol, m.limits.MaxVolatility)}
	}
	// Global first: a globally halted system must not consume the
	// strategy breaker's single half-open trial.
	if !m.global.Allow() {
		return &Rejection{Reason: RejectBreakerOpen, Detail: "global breaker open"}
	}
	if !m.strategyBreakerLocked(strategy).Allow() {
		return &Rejection{Reason: RejectBreakerOpen, Detail: "strategy breaker open: " + strategy}
	}
	return nil
}

// RegisterOpen reserves exposure budget for a newly opened position.
func (m *Manager) RegisterOpen(instrument string, notional decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalExposure = m.totalExposure.Add(notional)
	m.openInstruments[instrument]++
}

// Release rolls back a reservation made by RegisterOpen without
// recording an outcome; used when order placement fails after approval.
func (m *Manager) Release(instrument string, notional decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalExposure = m.totalExposure.Sub(notional)
	if m.totalExposure.IsNegative() {
		m.totalExposure = decimal.Zero
	}
	if m.openInstruments[instrument] <= 1 {
		delete(m.openInstruments, instrument)
	} else {
		m.openInstruments[instrument]--
	}
}

// VolatilityExceeded reports whether the instrument's rolling
// volatility is past the configured limit.
func (m *Manager) VolatilityExceeded(instrument string) bool {
	return m.volatilities.Volatility(instrument) > m.limits.MaxVolatility
}

// RegisterClose releases the position's exposure and records its
// realized outcome, feeding breakers and the kill-switch.
func (m *Manager) RegisterClose(strategy, instrument string, notional, realized decimal.Decimal) {
	m.mu.Lock()
	m.totalExposure = m.totalExposure.Sub(notional)
	if m.totalExposure.IsNegative() {
		m.totalExposure = decimal.Zero
	}
	if m.openInstruments[instrument] <= 1 {
		delete(m.openInstruments, instrument)
	} else {
		m.openInstruments[instrument]--
	}
	m.recordPnLLocked(realized)
	breaker := m.strategyBreakerLocked(strategy)
	m.mu.Unlock()

	if realized.IsNegative() {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	m.enforceKillSwitch()
}

// RecordExecutionFailure counts a failed order placement against the
// strategy breaker.
func (m *Manager) RecordExecutionFailure(strategy string) {
	m.mu.Lock()
	breaker := m.strategyBreakerLocked(strategy)
	m.mu.Unlock()
	breaker.RecordFailure()
}

// RecordExecutionSuccess unwinds failure counts after a clean fill.
func (m *Manager) RecordExecutionSuccess(strategy string) {
	m.mu.Lock()
	breaker := m.strategyBreakerLocked(strategy)
	m.mu.Unlock()
	breaker.RecordSuccess()
}

// ResetGlobalBreaker manually clears the kill-switch.
func (m *Manager) ResetGlobalBreaker() {
	m.global.Reset()
	m.logger.Info().Msg("global breaker manually reset")
}

// TakeSnapshot derives the current risk snapshot.
func (m *Manager) TakeSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	snap := Snapshot{
		TotalExposure:     m.totalExposure,
		DailyPnL:          m.dailyPnLLocked(now),
		OpenPositionCount: m.openCountLocked(),
		DrawdownPct:       m.drawdownPctLocked(),
		GlobalBreakerOpen: m.global.IsOpen(),
		TakenAt:           now,
	}

	instruments := make([]string, 0, len(m.openInstruments))
	for instrument := range m.openInstruments {
		instruments = append(instruments, instrument)
	}
	for i, a := range instruments {
		if vol := m.volatilities.Volatility(a); vol > snap.VolatilityPeak {
			snap.VolatilityPeak = vol
		}
		for _, b := range instruments[i+1:] {
			corr := m.correlations.Correlation(a, b)
			if corr < 0 {
				corr = -corr
			}
			if corr > snap.CorrelationPeak {
				snap.CorrelationPeak = corr
			}
		}
	}
	return snap
}

func (m *Manager) strategyBreakerLocked(strategy string) *Breaker {
	breaker, ok := m.byStrategy[strategy]
	if !ok {
		breaker = NewBreaker(strategy, m.limits.BreakerThreshold, m.limits.RecoveryTimeout)
		m.byStrategy[strategy] = breaker
	}
	return breaker
}

func (m *Manager) openCountLocked() int {
	count := 0
	for _, n := range m.openInstruments {
		count += n
	}
	return count
}

func (m *Manager) recordPnLLocked(amount decimal.Decimal) {
	if m.pnlHistory == nil {
		m.pnlHistory = make([]pnlEntry, pnlHistorySize)
	}
	m.pnlHistory[m.pnlNext] = pnlEntry{at: time.Now().UTC(), amount: amount}
	m.pnlNext = (m.pnlNext + 1) % pnlHistorySize
	if m.pnlCount < pnlHistorySize {
		m.pnlCount++
	}

	m.equity = m.equity.Add(amount)
	if m.equity.GreaterThan(m.peakEquity) {
		m.peakEquity = m.equity
	}
}

func (m *Manager) dailyPnLLocked(now time.Time) decimal.Decimal {
	total := decimal.Zero
	year, month, day := now.UTC().Date()
	for i := 0; i < m.pnlCount; i++ {
		entry := m.pnlHistory[i]
		ey, em, ed := entry.at.Date()
		if ey == year && em == month && ed == day {
			total = total.Add(entry.amount)
		}
	}
	return total
}

func (m *Manager) drawdownPctLocked() float64 {
	if !m.peakEquity.IsPositive() {
		return 0
	}
	dd := m.peakEquity.Sub(m.equity).Div(m.peakEquity).Mul(decimal.NewFromInt(100))
	return dd.InexactFloat64()
}

// enforceKillSwitch force-opens the global breaker once drawdown or the
// daily loss limit is breached, blocking all new approvals.
func (m *Manager) enforceKillSwitch() {
	m.mu.Lock()
	drawdown := m.drawdownPctLocked()
	daily := m.dailyPnLLocked(time.Now())
	m.mu.Unlock()

	if drawdown > m.limits.MaxDrawdownPct {
		m.logger.Error().Float64("drawdown_pct", drawdown).Msg("drawdown limit breached; forcing global breaker open")
		m.global.ForceOpen()
		return
	}
	if daily.LessThan(m.limits.DailyLossLimit.Neg()) {
		m.logger.Error().Str("daily_pnl", daily.String()).Msg("daily loss limit breached; forcing global breaker open")
		m.global.ForceOpen()
	}
}
