package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BybitOptions parameterise the Bybit linear-perpetual adapter.
type BybitOptions struct {
	BaseURL  string
	TakerFee decimal.Decimal
	Timeout  time.Duration
}

// Bybit adapts the Bybit v5 market API. Poll-only: funding rates are
// fetched from the tickers endpoint on the aggregator's poll interval.
type Bybit struct {
	opts   BybitOptions
	client *http.Client
	logger zerolog.Logger
}

// NewBybit constructs a Bybit adapter.
func NewBybit(opts BybitOptions, logger zerolog.Logger) *Bybit {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.bybit.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.TakerFee.IsZero() {
		opts.TakerFee = decimal.NewFromFloat(0.00055)
	}

	return &Bybit{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "exchange_bybit").Logger(),
	}
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) TakerFee() decimal.Decimal { return b.opts.TakerFee }

func (b *Bybit) SupportsPush() bool { return false }

// Subscribe always fails; the aggregator keeps this source on poll.
func (b *Bybit) Subscribe(ctx context.Context, instrument string, channel Channel, onUpdate UpdateFunc) error {
	return ErrPushUnsupported
}

// ListSymbols returns all linear perpetual contracts currently trading.
func (b *Bybit) ListSymbols(ctx context.Context) ([]string, error) {
	var payload struct {
		Result struct {
			List []struct {
				Symbol       string `json:"symbol"`
				ContractType string `json:"contractType"`
				Status       string `json:"status"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := b.getJSON(ctx, "/v5/market/instruments-info?category=linear&limit=1000", &payload); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(payload.Result.List))
	for _, item := range payload.Result.List {
		if item.ContractType == "LinearPerpetual" && item.Status == "Trading" {
			symbols = append(symbols, item.Symbol)
		}
	}
	return symbols, nil
}

// FetchRate retrieves the current funding state for one instrument.
func (b *Bybit) FetchRate(ctx context.Context, instrument string) (RateSample, error) {
	var payload struct {
		Result struct {
			List []struct {
				Symbol          string `json:"symbol"`
				MarkPrice       string `json:"markPrice"`
				IndexPrice      string `json:"indexPrice"`
				FundingRate     string `json:"fundingRate"`
				NextFundingTime string `json:"nextFundingTime"`
			} `json:"list"`
		} `json:"result"`
	}
	path := "/v5/market/tickers?category=linear&symbol=" + instrument
	if err := b.getJSON(ctx, path, &payload); err != nil {
		return RateSample{}, err
	}
	if len(payload.Result.List) == 0 {
		return RateSample{}, fmt.Errorf("bybit: no ticker for %s: %w", instrument, ErrUnavailable)
	}

	item := payload.Result.List[0]
	rate, err := decimal.NewFromString(item.FundingRate)
	if err != nil {
		return RateSample{}, fmt.Errorf("parse funding rate: %w", err)
	}
	mark, _ := decimal.NewFromString(item.MarkPrice)
	index, _ := decimal.NewFromString(item.IndexPrice)

	next := time.Time{}
	if ms, err := strconv.ParseInt(item.NextFundingTime, 10, 64); err == nil {
		next = time.UnixMilli(ms).UTC()
	}

	return RateSample{
		Source:             b.Name(),
		Instrument:         instrument,
		Rate:               rate,
		MarkPrice:          mark,
		IndexPrice:         index,
		NextSettlementAt:   next,
		SettlementInterval: 8 * time.Hour,
		ObservedAt:         time.Now().UTC(),
	}, nil
}

// PlaceOrder submits a market order.
func (b *Bybit) PlaceOrder(ctx context.Context, instrument string, side Side, size decimal.Decimal) (OrderResult, error) {
	sideValue := "Buy"
	if side == SideSell {
		sideValue = "Sell"
	}
	payload := map[string]string{
		"category":  "linear",
		"symbol":    instrument,
		"side":      sideValue,
		"orderType": "Market",
		"qty":       size.String(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return OrderResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.BaseURL+"/v5/order/create", strings.NewReader(string(body)))
	if err != nil {
		return OrderResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return OrderResult{}, fmt.Errorf("bybit: place order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return OrderResult{}, fmt.Errorf("bybit: order rejected with status %d", resp.StatusCode)
	}

	var raw struct {
		RetCode int `json:"retCode"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return OrderResult{}, fmt.Errorf("bybit: decode order result: %w", err)
	}
	if raw.RetCode != 0 {
		return OrderResult{}, fmt.Errorf("bybit: order rejected, retCode %d", raw.RetCode)
	}

	return OrderResult{
		OrderID:    raw.Result.OrderID,
		Status:     "filled",
		FilledSize: size,
	}, nil
}

func (b *Bybit) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.opts.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bybit: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bybit: unexpected status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Capability = (*Bybit)(nil)
