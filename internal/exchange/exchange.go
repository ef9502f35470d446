package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Channel identifies a push subscription stream.
type Channel string

const (
	// ChannelFundingRate streams funding-rate updates for an instrument.
	ChannelFundingRate Channel = "funding_rate"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

var (
	// ErrPushUnsupported is returned by Subscribe on poll-only sources.
	ErrPushUnsupported = errors.New("exchange: push subscriptions not supported")
	// ErrUnavailable indicates a per-source failure that excludes the
	// source for the current cycle without aborting it.
	ErrUnavailable = errors.New("exchange: source unavailable")
)

// RateSample is one observation of an instrument's funding state on a
// single source. Immutable once created.
type RateSample struct {
	Source             string
	Instrument         string
	Rate               decimal.Decimal
	PredictedRate      decimal.Decimal
	MarkPrice          decimal.Decimal
	IndexPrice         decimal.Decimal
	NextSettlementAt   time.Time
	SettlementInterval time.Duration
	ObservedAt         time.Time
}

// OrderResult reports the outcome of a placed order.
type OrderResult struct {
	OrderID    string
	Status     string
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// UpdateFunc receives samples from a push subscription.
type UpdateFunc func(RateSample)

// Capability is the single interface the core is written against; one
// adapter implements it per source.
type Capability interface {
	Name() string
	ListSymbols(ctx context.Context) ([]string, error)
	FetchRate(ctx context.Context, instrument string) (RateSample, error)
	// Subscribe streams updates for (instrument, channel) until the
	// connection drops or ctx is cancelled. It blocks; callers own the
	// goroutine and the retry policy.
	Subscribe(ctx context.Context, instrument string, channel Channel, onUpdate UpdateFunc) error
	PlaceOrder(ctx context.Context, instrument string, side Side, size decimal.Decimal) (OrderResult, error)
	TakerFee() decimal.Decimal
	SupportsPush() bool
}
