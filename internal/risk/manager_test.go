package risk

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLimits() Limits {
	return Limits{
		MaxTotalExposure:  decimal.NewFromInt(10000),
		MaxSinglePosition: decimal.NewFromInt(2000),
		MaxPositions:      20,
		DailyLossLimit:    decimal.NewFromInt(500),
		MaxCorrelation:    0.7,
		MaxVolatility:     0.5,
		MaxDrawdownPct:    5.0,
		BreakerThreshold:  5,
		RecoveryTimeout:   time.Minute,
	}
}

func testManager() *Manager {
	return NewManager(testLimits(), zerolog.Nop())
}

func TestCheckApprovesWithinBudgets(t *testing.T) {
	m := testManager()
	if err := m.Check("cross_source", "BTCUSDT", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("fresh manager should approve: %v", err)
	}
}

func TestCheckRejectsExposure(t *testing.T) {
	m := testManager()
	for i := 0; i < 5; i++ {
		m.RegisterOpen("BTCUSDT", decimal.NewFromInt(1900))
	}

	err := m.Check("cross_source", "ETHUSDT", decimal.NewFromInt(1000))
	if ReasonOf(err) != RejectExposure {
		t.Fatalf("reason = %q, want exposure (err=%v)", ReasonOf(err), err)
	}
}

func TestCheckRejectsOversizedPosition(t *testing.T) {
	m := testManager()
	err := m.Check("cross_source", "BTCUSDT", decimal.NewFromInt(2500))
	if ReasonOf(err) != RejectPositionSize {
		t.Fatalf("reason = %q, want size", ReasonOf(err))
	}
}

func TestCheckRejectsPositionCount(t *testing.T) {
	limits := testLimits()
	limits.MaxPositions = 2
	m := NewManager(limits, zerolog.Nop())

	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(100))
	m.RegisterOpen("ETHUSDT", decimal.NewFromInt(100))

	err := m.Check("cross_source", "SOLUSDT", decimal.NewFromInt(100))
	if ReasonOf(err) != RejectPositionCount {
		t.Fatalf("reason = %q, want count", ReasonOf(err))
	}
}

func TestCheckRejectsAfterDailyLossBreached(t *testing.T) {
	m := testManager()

	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(100))
	m.RegisterClose("cross_source", "BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(-600))

	err := m.Check("cross_source", "ETHUSDT", decimal.NewFromInt(100))
	if ReasonOf(err) == "" {
		t.Fatal("expected rejection after daily loss breach")
	}
	// The kill-switch also force-opens the global breaker.
	if !m.TakeSnapshot().GlobalBreakerOpen {
		t.Fatal("daily loss breach should force the global breaker open")
	}
}

func TestCheckRejectsHighCorrelation(t *testing.T) {
	m := testManager()
	m.RegisterOpen("ETHUSDT", decimal.NewFromInt(100))

	// Perfectly correlated synthetic walks.
	price := 100.0
	for i := 0; i < 30; i++ {
		step := 1.0
		if i%2 == 0 {
			step = -1.0
		}
		price += step
		m.ObservePrice("BTCUSDT", price*10)
		m.ObservePrice("ETHUSDT", price)
	}

	err := m.Check("cross_source", "BTCUSDT", decimal.NewFromInt(100))
	if ReasonOf(err) != RejectCorrelation {
		t.Fatalf("reason = %q, want correlation (err=%v)", ReasonOf(err), err)
	}
}

func TestCheckRejectsHighVolatility(t *testing.T) {
	m := testManager()

	// Alternating +20% / -20% moves annualize far past the 0.5 cap.
	price := 100.0
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			price *= 1.2
		} else {
			price *= 0.8
		}
		m.ObservePrice("DOGEUSDT", price)
	}
	if !m.VolatilityExceeded("DOGEUSDT") {
		t.Fatal("synthetic series should exceed the volatility cap")
	}

	err := m.Check("cross_source", "DOGEUSDT", decimal.NewFromInt(100))
	if ReasonOf(err) != RejectVolatility {
		t.Fatalf("reason = %q, want volatility (err=%v)", ReasonOf(err), err)
	}
}

func TestStrategyBreakerIsolation(t *testing.T) {
	m := testManager()

	for i := 0; i < 5; i++ {
		m.RecordExecutionFailure("cross_source")
	}

	err := m.Check("cross_source", "BTCUSDT", decimal.NewFromInt(100))
	if ReasonOf(err) != RejectBreakerOpen {
		t.Fatalf("reason = %q, want breaker_open", ReasonOf(err))
	}

	// The other strategy keeps trading.
	if err := m.Check("extreme_rate", "BTCUSDT", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("extreme_rate should be unaffected: %v", err)
	}
}

func TestRegisterCloseReleasesExposure(t *testing.T) {
	m := testManager()

	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(800))
	snap := m.TakeSnapshot()
	if !snap.TotalExposure.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("exposure = %s, want 800", snap.TotalExposure)
	}
	if snap.OpenPositionCount != 1 {
		t.Fatalf("open count = %d, want 1", snap.OpenPositionCount)
	}

	m.RegisterClose("cross_source", "BTCUSDT", decimal.NewFromInt(800), decimal.NewFromInt(12))
	snap = m.TakeSnapshot()
	if !snap.TotalExposure.IsZero() {
		t.Fatalf("exposure = %s, want 0", snap.TotalExposure)
	}
	if snap.OpenPositionCount != 0 {
		t.Fatalf("open count = %d, want 0", snap.OpenPositionCount)
	}
	if !snap.DailyPnL.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("daily pnl = %s, want 12", snap.DailyPnL)
	}
}

func TestReleaseRollsBackReservation(t *testing.T) {
	m := testManager()

	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(800))
	m.Release("BTCUSDT", decimal.NewFromInt(800))

	snap := m.TakeSnapshot()
	if !snap.TotalExposure.IsZero() || snap.OpenPositionCount != 0 {
		t.Fatalf("rollback incomplete: exposure=%s count=%d", snap.TotalExposure, snap.OpenPositionCount)
	}
	if !snap.DailyPnL.IsZero() {
		t.Fatal("rollback must not record an outcome")
	}
}

func TestOpenGlobalBreakerDoesNotConsumeStrategyTrial(t *testing.T) {
	limits := testLimits()
	limits.BreakerThreshold = 2
	limits.RecoveryTimeout = 50 * time.Millisecond
	m := NewManager(limits, zerolog.Nop())

	// Trip the strategy breaker, then let its recovery window pass so a
	// single half-open trial is available.
	m.RecordExecutionFailure("cross_source")
	m.RecordExecutionFailure("cross_source")
	time.Sleep(60 * time.Millisecond)

	// Force the global breaker open via the drawdown kill-switch.
	m.RegisterOpen("ETHUSDT", decimal.NewFromInt(100))
	m.RegisterClose("extreme_rate", "ETHUSDT", decimal.NewFromInt(100), decimal.NewFromInt(1000))
	m.RegisterOpen("ETHUSDT", decimal.NewFromInt(100))
	m.RegisterClose("extreme_rate", "ETHUSDT", decimal.NewFromInt(100), decimal.NewFromInt(-100))
	if !m.TakeSnapshot().GlobalBreakerOpen {
		t.Fatal("global breaker should be forced open")
	}

	err := m.Check("cross_source", "BTCUSDT", decimal.NewFromInt(500))
	if ReasonOf(err) != RejectBreakerOpen {
		t.Fatalf("reason = %q, want breaker_open", ReasonOf(err))
	}

	// The globally halted proposal must not have eaten the strategy
	// breaker's trial: after a manual reset the trial still passes.
	m.ResetGlobalBreaker()
	if err := m.Check("cross_source", "BTCUSDT", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("half-open trial should be available after reset: %v", err)
	}
}

func TestDrawdownKillSwitch(t *testing.T) {
	m := testManager()

	// Build equity, then lose more than MaxDrawdownPct of the peak.
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(100))
	m.RegisterClose("cross_source", "BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(1000))
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(100))
	m.RegisterClose("cross_source", "BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(-100))

	snap := m.TakeSnapshot()
	if snap.DrawdownPct <= 5.0 {
		t.Fatalf("drawdown = %.2f, expected above 5", snap.DrawdownPct)
	}
	if !snap.GlobalBreakerOpen {
		t.Fatal("drawdown breach should force the global breaker open")
	}

	err := m.Check("cross_source", "ETHUSDT", decimal.NewFromInt(100))
	if ReasonOf(err) != RejectBreakerOpen {
		t.Fatalf("reason = %q, want breaker_open", ReasonOf(err))
	}

	m.ResetGlobalBreaker()
	if m.TakeSnapshot().GlobalBreakerOpen {
		t.Fatal("manual reset should clear the global breaker")
	}
}

func TestWindowsCorrelationAndVolatility(t *testing.T) {
	ws := NewWindows(50)

	price := 100.0
	for i := 0; i < 30; i++ {
		step := 1.0
		if i%3 == 0 {
			step = -0.5
		}
		price += step
		ws.ObservePrice("A", price)
		ws.ObservePrice("B", price*2)
		ws.ObservePrice("C", 100+math.Sin(float64(i)*2.1)*5)
	}

	if corr := ws.Correlation("A", "B"); corr < 0.99 {
		t.Fatalf("scaled copies should correlate near 1, got %.3f", corr)
	}
	if corr := ws.Correlation("A", "MISSING"); corr != 0 {
		t.Fatalf("missing instrument should yield 0, got %.3f", corr)
	}
	if vol := ws.Volatility("A"); vol <= 0 {
		t.Fatalf("volatility should be positive, got %.3f", vol)
	}
	if vol := ws.Volatility("MISSING"); vol != 0 {
		t.Fatalf("missing instrument should yield 0 volatility, got %.3f", vol)
	}
}

func TestWindowsRingEviction(t *testing.T) {
	ws := NewWindows(5)

	for i := 1; i <= 10; i++ {
		ws.ObservePrice("A", float64(100+i))
	}

	returns := ws.Returns("A")
	if len(returns) != 5 {
		t.Fatalf("window should cap at 5 returns, got %d", len(returns))
	}
}
