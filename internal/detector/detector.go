package detector

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/aggregator"
	"funding-rate-arbiter/internal/exchange"
)

// Kind discriminates detection strategies.
type Kind string

const (
	KindCrossSource Kind = "cross_source"
	KindExtremeRate Kind = "extreme_rate"
)

// RiskTier classifies an opportunity for the risk gate.
type RiskTier string

const (
	TierLow    RiskTier = "low"
	TierMedium RiskTier = "medium"
	TierHigh   RiskTier = "high"
)

// SyntheticLeg names the hedge construction of an extreme-rate play.
type SyntheticLeg string

const (
	LegShortPerpLongSpot SyntheticLeg = "short_perp_long_spot"
	LegLongPerpShortSpot SyntheticLeg = "long_perp_short_spot"
)

// EntryConditions capture what must hold to enter.
type EntryConditions struct {
	LongSource   string          `json:"long_source,omitempty"`
	ShortSource  string          `json:"short_source,omitempty"`
	TargetSpread decimal.Decimal `json:"target_spread"`
	Notional     decimal.Decimal `json:"notional"`
}

// ExitConditions capture when the position should unwind.
type ExitConditions struct {
	SettlementAt    time.Time       `json:"settlement_at"`
	SpreadCollapsed decimal.Decimal `json:"spread_collapsed"`
}

// Opportunity is an immutable, scored detection result. It must be
// discarded once ExpiresAt passes.
type Opportunity struct {
	ID                  string          `json:"id"`
	Kind                Kind            `json:"kind"`
	Instrument          string          `json:"instrument"`
	LongSource          string          `json:"long_source,omitempty"`
	ShortSource         string          `json:"short_source,omitempty"`
	HedgeSource         string          `json:"hedge_source,omitempty"`
	SyntheticLeg        SyntheticLeg    `json:"synthetic_leg,omitempty"`
	RateDelta           decimal.Decimal `json:"rate_delta"`
	GrossProfitEstimate decimal.Decimal `json:"gross_profit_estimate"`
	FeeCost             decimal.Decimal `json:"fee_cost"`
	NetProfitEstimate   decimal.Decimal `json:"net_profit_estimate"`
	Confidence          float64         `json:"confidence"`
	RiskTier            RiskTier        `json:"risk_tier"`
	Entry               EntryConditions `json:"entry"`
	Exit                ExitConditions  `json:"exit"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// Expired reports whether the opportunity may still be acted on.
func (o Opportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Strategy returns the circuit-breaker scope for this opportunity.
func (o Opportunity) Strategy() string { return string(o.Kind) }

// Options tune detection.
type Options struct {
	SpreadThreshold   decimal.Decimal
	ExtremePositive   decimal.Decimal
	ExtremeNegative   decimal.Decimal
	MinProfitRate     decimal.Decimal
	Notional          decimal.Decimal
	TTL               time.Duration
	CrossCooldown     time.Duration
	ExtremeCooldown   time.Duration
	MinConfidenceTier float64
}

type cooldownKey struct {
	kind       Kind
	instrument string
	sourcePair string
}

// Detector scans a consistent aggregator snapshot for cross-source and
// extreme-rate opportunities.
type Detector struct {
	opts   Options
	fees   map[string]decimal.Decimal
	logger zerolog.Logger

	mu           sync.Mutex
	lastSurfaced map[cooldownKey]time.Time
}

var (
	two            = decimal.NewFromInt(2)
	lowTierSpread  = decimal.NewFromFloat(0.1)
	defaultFeeRate = decimal.NewFromFloat(0.0005)
)

// New constructs a detector. takerFees maps source name to taker fee
// rate; unknown sources fall back to a conservative default.
func New(opts Options, takerFees map[string]decimal.Decimal, logger zerolog.Logger) *Detector {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.CrossCooldown <= 0 {
		opts.CrossCooldown = 30 * time.Minute
	}
	if opts.ExtremeCooldown <= 0 {
		opts.ExtremeCooldown = time.Hour
	}
	if opts.Notional.IsZero() {
		opts.Notional = decimal.NewFromInt(100)
	}
	if opts.ExtremeNegative.IsZero() {
		opts.ExtremeNegative = opts.ExtremePositive.Neg()
	}
	fees := make(map[string]decimal.Decimal, len(takerFees))
	for source, fee := range takerFees {
		fees[source] = fee
	}
	return &Detector{
		opts:         opts,
		fees:         fees,
		logger:       logger.With().Str("component", "detector").Logger(),
		lastSurfaced: make(map[cooldownKey]time.Time),
	}
}

// Detect runs both algorithms over a single consistent snapshot and
// returns surviving opportunities sorted by net profit, descending.
func (d *Detector) Detect(now time.Time, snapshot map[aggregator.Key]exchange.RateSample) []Opportunity {
	bySymbol := make(map[string]map[string]exchange.RateSample)
	for key, sample := range snapshot {
		if bySymbol[key.Instrument] == nil {
			bySymbol[key.Instrument] = make(map[string]exchange.RateSample)
		}
		bySymbol[key.Instrument][key.Source] = sample
	}

	var opportunities []Opportunity
	for instrument, samples := range bySymbol {
		if opp, ok := d.detectCrossSource(now, instrument, samples); ok {
			opportunities = append(opportunities, opp)
		}
		for _, sample := range samples {
			if opp, ok := d.detectExtreme(now, sample); ok {
				opportunities = append(opportunities, opp)
			}
		}
	}

	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].NetProfitEstimate.GreaterThan(opportunities[j].NetProfitEstimate)
	})
	return opportunities
}

func (d *Detector) detectCrossSource(now time.Time, instrument string, samples map[string]exchange.RateSample) (Opportunity, bool) {
	if len(samples) < 2 {
		return Opportunity{}, false
	}

	var maxSource, minSource string
	var maxSample, minSample exchange.RateSample
	first := true
	for source, sample := range samples {
		if first {
			maxSource, minSource = source, source
			maxSample, minSample = sample, sample
			first = false
			continue
		}
		switch {
		case sample.Rate.GreaterThan(maxSample.Rate):
			maxSource, maxSample = source, sample
		case sample.Rate.LessThan(minSample.Rate):
			minSource, minSample = source, sample
		case sample.Rate.Equal(maxSample.Rate) && source < maxSource:
			// Deterministic pick for equal rates.
			maxSource, maxSample = source, sample
		}
	}
	if maxSource == minSource {
		return Opportunity{}, false
	}

	rateDelta := maxSample.Rate.Sub(minSample.Rate)
	if rateDelta.Abs().LessThan(d.opts.SpreadThreshold) {
		return Opportunity{}, false
	}

	notional := d.opts.Notional
	feeCost := d.feeFor(minSource).Add(d.feeFor(maxSource)).Mul(two).Mul(notional)
	gross := rateDelta.Mul(notional)
	net := gross.Sub(feeCost)
	if net.LessThanOrEqual(d.opts.MinProfitRate.Mul(notional)) {
		return Opportunity{}, false
	}

	key := cooldownKey{kind: KindCrossSource, instrument: instrument, sourcePair: minSource + "/" + maxSource}
	if !d.passCooldown(key, now, d.opts.CrossCooldown) {
		return Opportunity{}, false
	}

	confidence := markPriceConfidence(samples)
	tier := assessTier(rateDelta, confidence)

	d.logger.Debug().
		Str("instrument", instrument).
		Str("long", minSource).
		Str("short", maxSource).
		Str("rate_delta", rateDelta.String()).
		Str("net_profit", net.String()).
		Msg("cross-source divergence")

	return Opportunity{
		ID:                  uuid.NewString(),
		Kind:                KindCrossSource,
		Instrument:          instrument,
		LongSource:          minSource,
		ShortSource:         maxSource,
		RateDelta:           rateDelta,
		GrossProfitEstimate: gross,
		FeeCost:             feeCost,
		NetProfitEstimate:   net,
		Confidence:          confidence,
		RiskTier:            tier,
		Entry: EntryConditions{
			LongSource:   minSource,
			ShortSource:  maxSource,
			TargetSpread: rateDelta,
			Notional:     notional,
		},
		Exit: ExitConditions{
			SettlementAt:    maxSample.NextSettlementAt,
			SpreadCollapsed: rateDelta.Div(two),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(d.opts.TTL),
	}, true
}

func (d *Detector) detectExtreme(now time.Time, sample exchange.RateSample) (Opportunity, bool) {
	var leg SyntheticLeg
	switch {
	case sample.Rate.GreaterThan(d.opts.ExtremePositive):
		leg = LegShortPerpLongSpot
	case sample.Rate.LessThan(d.opts.ExtremeNegative):
		leg = LegLongPerpShortSpot
	default:
		return Opportunity{}, false
	}

	notional := d.opts.Notional
	delta := sample.Rate.Abs()
	// Both legs execute on the same source, round trip each.
	feeCost := d.feeFor(sample.Source).Mul(two).Mul(two).Mul(notional)
	gross := delta.Mul(notional)
	net := gross.Sub(feeCost)
	if net.LessThanOrEqual(d.opts.MinProfitRate.Mul(notional)) {
		return Opportunity{}, false
	}

	key := cooldownKey{kind: KindExtremeRate, instrument: sample.Instrument, sourcePair: sample.Source}
	if !d.passCooldown(key, now, d.opts.ExtremeCooldown) {
		return Opportunity{}, false
	}

	const extremeConfidence = 0.8
	return Opportunity{
		ID:                  uuid.NewString(),
		Kind:                KindExtremeRate,
		Instrument:          sample.Instrument,
		HedgeSource:         sample.Source,
		SyntheticLeg:        leg,
		RateDelta:           delta,
		GrossProfitEstimate: gross,
		FeeCost:             feeCost,
		NetProfitEstimate:   net,
		Confidence:          extremeConfidence,
		RiskTier:            assessTier(delta, extremeConfidence),
		Entry: EntryConditions{
			LongSource:   sample.Source,
			ShortSource:  sample.Source,
			TargetSpread: delta,
			Notional:     notional,
		},
		Exit: ExitConditions{
			SettlementAt:    sample.NextSettlementAt,
			SpreadCollapsed: delta.Mul(decimal.NewFromFloat(0.3)),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(d.opts.TTL),
	}, true
}

func (d *Detector) feeFor(source string) decimal.Decimal {
	if fee, ok := d.fees[source]; ok {
		return fee
	}
	return defaultFeeRate
}

// passCooldown reports whether the key may surface again and records the
// surfacing time when it may.
func (d *Detector) passCooldown(key cooldownKey, now time.Time, cooldown time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSurfaced[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	d.lastSurfaced[key] = now
	return true
}

// markPriceConfidence decreases with mark-price dispersion across the
// compared sources, clamped to [0.1, 1.0].
func markPriceConfidence(samples map[string]exchange.RateSample) float64 {
	var marks []float64
	for _, sample := range samples {
		if sample.MarkPrice.IsPositive() {
			marks = append(marks, sample.MarkPrice.InexactFloat64())
		}
	}
	if len(marks) < 2 {
		return 0.7
	}

	mean, err := stats.Mean(marks)
	if err != nil || mean == 0 {
		return 0.7
	}
	stdev, err := stats.StandardDeviationPopulation(marks)
	if err != nil {
		return 0.7
	}

	confidence := 1.0 - (stdev/mean)*20
	return math.Min(1.0, math.Max(0.1, confidence))
}

func assessTier(rateDelta decimal.Decimal, confidence float64) RiskTier {
	switch {
	case rateDelta.GreaterThan(lowTierSpread) && confidence > 0.8:
		return TierLow
	case confidence < 0.6:
		return TierHigh
	default:
		return TierMedium
	}
}
