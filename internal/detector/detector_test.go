package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/aggregator"
	"funding-rate-arbiter/internal/exchange"
)

func testOptions() Options {
	return Options{
		SpreadThreshold: decimal.NewFromFloat(0.001),
		ExtremePositive: decimal.NewFromFloat(0.001),
		ExtremeNegative: decimal.NewFromFloat(-0.001),
		MinProfitRate:   decimal.NewFromFloat(0.002),
		Notional:        decimal.NewFromInt(100),
	}
}

func testFees() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"alpha": decimal.NewFromFloat(0.0005),
		"beta":  decimal.NewFromFloat(0.0005),
	}
}

func snapshotOf(samples ...exchange.RateSample) map[aggregator.Key]exchange.RateSample {
	snapshot := make(map[aggregator.Key]exchange.RateSample, len(samples))
	for _, sample := range samples {
		snapshot[aggregator.Key{Source: sample.Source, Instrument: sample.Instrument}] = sample
	}
	return snapshot
}

func rateSample(source, instrument string, rate float64, observed time.Time) exchange.RateSample {
	return exchange.RateSample{
		Source:           source,
		Instrument:       instrument,
		Rate:             decimal.NewFromFloat(rate),
		MarkPrice:        decimal.NewFromInt(100),
		NextSettlementAt: observed.Add(4 * time.Hour),
		ObservedAt:       observed,
	}
}

func TestDetectCrossSourceEmitsWhenNetExceedsThreshold(t *testing.T) {
	det := New(testOptions(), testFees(), zerolog.Nop())
	now := time.Now().UTC()

	// delta 0.005, gross 0.5, fees (0.0005+0.0005)*2*100 = 0.2, net 0.3
	snapshot := snapshotOf(
		rateSample("alpha", "BTCUSDT", 0.0055, now),
		rateSample("beta", "BTCUSDT", 0.0005, now),
	)

	opps := det.Detect(now, snapshot)
	var cross *Opportunity
	for i := range opps {
		if opps[i].Kind == KindCrossSource {
			cross = &opps[i]
		}
	}
	if cross == nil {
		t.Fatalf("expected a cross-source opportunity, got %d opportunities", len(opps))
	}

	if cross.LongSource != "beta" || cross.ShortSource != "alpha" {
		t.Fatalf("legs wrong: long=%s short=%s", cross.LongSource, cross.ShortSource)
	}
	if !cross.FeeCost.Equal(decimal.NewFromFloat(0.2)) {
		t.Fatalf("fee cost = %s, want 0.2", cross.FeeCost)
	}
	if !cross.NetProfitEstimate.Equal(decimal.NewFromFloat(0.3)) {
		t.Fatalf("net profit = %s, want 0.3", cross.NetProfitEstimate)
	}
	if cross.Expired(now.Add(4 * time.Minute)) {
		t.Fatal("opportunity should still be valid inside TTL")
	}
	if !cross.Expired(now.Add(6 * time.Minute)) {
		t.Fatal("opportunity should expire after TTL")
	}
}

func TestDetectCrossSourceNetBelowThresholdNotEmitted(t *testing.T) {
	det := New(testOptions(), testFees(), zerolog.Nop())
	now := time.Now().UTC()

	// delta 0.001 passes the spread threshold but nets -0.1 after fees.
	snapshot := snapshotOf(
		rateSample("alpha", "ETHUSDT", 0.0015, now),
		rateSample("beta", "ETHUSDT", 0.0005, now),
	)

	for _, opp := range det.Detect(now, snapshot) {
		if opp.Kind == KindCrossSource {
			t.Fatalf("unprofitable divergence emitted: net=%s", opp.NetProfitEstimate)
		}
	}
}

func TestDetectCrossSourceSingleSourceSkipped(t *testing.T) {
	det := New(testOptions(), testFees(), zerolog.Nop())
	now := time.Now().UTC()

	snapshot := snapshotOf(rateSample("alpha", "SOLUSDT", 0.009, now))
	for _, opp := range det.Detect(now, snapshot) {
		if opp.Kind == KindCrossSource {
			t.Fatal("cross-source requires at least two sources")
		}
	}
}

func TestDetectExtremeRate(t *testing.T) {
	det := New(testOptions(), testFees(), zerolog.Nop())
	now := time.Now().UTC()

	// rate 0.006: gross 0.6, fees 0.0005*2*2*100 = 0.2, net 0.4
	snapshot := snapshotOf(rateSample("alpha", "BTCUSDT", 0.006, now))

	opps := det.Detect(now, snapshot)
	if len(opps) != 1 {
		t.Fatalf("expected exactly one opportunity, got %d", len(opps))
	}
	opp := opps[0]
	if opp.Kind != KindExtremeRate {
		t.Fatalf("kind = %s, want extreme_rate", opp.Kind)
	}
	if opp.SyntheticLeg != LegShortPerpLongSpot {
		t.Fatalf("synthetic leg = %s, want short_perp_long_spot", opp.SyntheticLeg)
	}
	if !opp.FeeCost.Equal(decimal.NewFromFloat(0.2)) {
		t.Fatalf("fee cost = %s, want 0.2", opp.FeeCost)
	}
	if !opp.NetProfitEstimate.Equal(decimal.NewFromFloat(0.4)) {
		t.Fatalf("net profit = %s, want 0.4", opp.NetProfitEstimate)
	}
	if opp.Confidence != 0.8 {
		t.Fatalf("confidence = %f, want 0.8", opp.Confidence)
	}
}

func TestDetectExtremeNegativeRateUsesLongPerpLeg(t *testing.T) {
	det := New(testOptions(), testFees(), zerolog.Nop())
	now := time.Now().UTC()

	snapshot := snapshotOf(rateSample("alpha", "BTCUSDT", -0.006, now))
	opps := det.Detect(now, snapshot)
	if len(opps) != 1 {
		t.Fatalf("expected one opportunity, got %d", len(opps))
	}
	if opps[0].SyntheticLeg != LegLongPerpShortSpot {
		t.Fatalf("synthetic leg = %s, want long_perp_short_spot", opps[0].SyntheticLeg)
	}
}

func TestCooldownSuppressesRepeatDetections(t *testing.T) {
	det := New(testOptions(), testFees(), zerolog.Nop())
	now := time.Now().UTC()

	snapshot := snapshotOf(
		rateSample("alpha", "BTCUSDT", 0.0055, now),
		rateSample("beta", "BTCUSDT", 0.0005, now),
	)

	first := det.Detect(now, snapshot)
	if len(first) == 0 {
		t.Fatal("expected an initial detection")
	}

	again := det.Detect(now.Add(5*time.Minute), snapshot)
	for _, opp := range again {
		if opp.Kind == KindCrossSource {
			t.Fatal("cross-source detection should be in cooldown")
		}
	}

	later := det.Detect(now.Add(31*time.Minute), snapshot)
	var found bool
	for _, opp := range later {
		if opp.Kind == KindCrossSource {
			found = true
		}
	}
	if !found {
		t.Fatal("cross-source detection should resurface after cooldown")
	}
}

func TestDetectSortsByNetProfitDescending(t *testing.T) {
	det := New(testOptions(), testFees(), zerolog.Nop())
	now := time.Now().UTC()

	snapshot := snapshotOf(
		rateSample("alpha", "BTCUSDT", 0.006, now),
		rateSample("alpha", "ETHUSDT", 0.012, now),
	)

	opps := det.Detect(now, snapshot)
	if len(opps) != 2 {
		t.Fatalf("expected two opportunities, got %d", len(opps))
	}
	if opps[0].Instrument != "ETHUSDT" {
		t.Fatalf("expected highest net first, got %s", opps[0].Instrument)
	}
	if opps[0].NetProfitEstimate.LessThan(opps[1].NetProfitEstimate) {
		t.Fatal("opportunities not sorted by net profit")
	}
}

func TestMarkPriceConfidence(t *testing.T) {
	now := time.Now().UTC()

	aligned := map[string]exchange.RateSample{
		"alpha": rateSample("alpha", "BTCUSDT", 0.001, now),
		"beta":  rateSample("beta", "BTCUSDT", 0.002, now),
	}
	if got := markPriceConfidence(aligned); got != 1.0 {
		t.Fatalf("identical marks should give confidence 1.0, got %f", got)
	}

	single := map[string]exchange.RateSample{
		"alpha": rateSample("alpha", "BTCUSDT", 0.001, now),
	}
	if got := markPriceConfidence(single); got != 0.7 {
		t.Fatalf("single mark should default to 0.7, got %f", got)
	}

	divergent := aligned
	wide := rateSample("beta", "BTCUSDT", 0.002, now)
	wide.MarkPrice = decimal.NewFromInt(200)
	divergent["beta"] = wide
	if got := markPriceConfidence(divergent); got != 0.1 {
		t.Fatalf("wildly divergent marks should clamp to 0.1, got %f", got)
	}
}

func TestAssessTier(t *testing.T) {
	if tier := assessTier(decimal.NewFromFloat(0.2), 0.9); tier != TierLow {
		t.Fatalf("wide spread + high confidence should be low risk, got %s", tier)
	}
	if tier := assessTier(decimal.NewFromFloat(0.01), 0.5); tier != TierHigh {
		t.Fatalf("low confidence should be high risk, got %s", tier)
	}
	if tier := assessTier(decimal.NewFromFloat(0.01), 0.7); tier != TierMedium {
		t.Fatalf("default should be medium risk, got %s", tier)
	}
}
