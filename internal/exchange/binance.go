package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BinanceOptions parameterise the Binance USDT-perpetual adapter.
type BinanceOptions struct {
	BaseURL  string
	WSURL    string
	TakerFee decimal.Decimal
	Timeout  time.Duration
}

// Binance adapts the Binance futures API to the Capability interface.
// It supports both REST polling and the mark-price push stream.
type Binance struct {
	opts   BinanceOptions
	client *http.Client
	logger zerolog.Logger
}

// NewBinance constructs a Binance adapter.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://fapi.binance.com"
	}
	if opts.WSURL == "" {
		opts.WSURL = "wss://fstream.binance.com/ws"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.WSURL = strings.TrimRight(opts.WSURL, "/")
	if opts.TakerFee.IsZero() {
		opts.TakerFee = decimal.NewFromFloat(0.0005)
	}

	return &Binance{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "exchange_binance").Logger(),
	}
}

func (b *Binance) Name() string { return "binance" }

// TakerFee returns the configured taker fee rate.
func (b *Binance) TakerFee() decimal.Decimal { return b.opts.TakerFee }

func (b *Binance) SupportsPush() bool { return true }

// ListSymbols returns all perpetual contracts currently trading.
func (b *Binance) ListSymbols(ctx context.Context) ([]string, error) {
	var payload struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			ContractType string `json:"contractType"`
			Status       string `json:"status"`
		} `json:"symbols"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/exchangeInfo", &payload); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(payload.Symbols))
	for _, s := range payload.Symbols {
		if s.ContractType == "PERPETUAL" && s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// FetchRate retrieves the current funding state for one instrument.
func (b *Binance) FetchRate(ctx context.Context, instrument string) (RateSample, error) {
	var raw struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	path := "/fapi/v1/premiumIndex?symbol=" + instrument
	if err := b.getJSON(ctx, path, &raw); err != nil {
		return RateSample{}, err
	}

	rate, err := decimal.NewFromString(raw.LastFundingRate)
	if err != nil {
		return RateSample{}, fmt.Errorf("parse funding rate: %w", err)
	}
	mark, _ := decimal.NewFromString(raw.MarkPrice)
	index, _ := decimal.NewFromString(raw.IndexPrice)

	return RateSample{
		Source:             b.Name(),
		Instrument:         instrument,
		Rate:               rate,
		MarkPrice:          mark,
		IndexPrice:         index,
		NextSettlementAt:   time.UnixMilli(raw.NextFundingTime).UTC(),
		SettlementInterval: 8 * time.Hour,
		ObservedAt:         time.Now().UTC(),
	}, nil
}

// Subscribe consumes the mark-price stream, which carries the funding
// rate, and blocks until the connection drops or ctx is cancelled.
func (b *Binance) Subscribe(ctx context.Context, instrument string, channel Channel, onUpdate UpdateFunc) error {
	if channel != ChannelFundingRate {
		return fmt.Errorf("binance: unsupported channel %q", channel)
	}

	streamURL := fmt.Sprintf("%s/%s@markPrice", b.opts.WSURL, strings.ToLower(instrument))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("binance: dial %s: %w", streamURL, err)
	}
	defer conn.Close()

	b.logger.Debug().Str("instrument", instrument).Msg("mark price stream connected")

	// Unblock ReadMessage when the caller cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance: stream read: %w", err)
		}

		var event struct {
			EventType   string `json:"e"`
			EventTime   int64  `json:"E"`
			Symbol      string `json:"s"`
			MarkPrice   string `json:"p"`
			IndexPrice  string `json:"i"`
			FundingRate string `json:"r"`
			NextFunding int64  `json:"T"`
		}
		if err := json.Unmarshal(msg, &event); err != nil || event.EventType != "markPriceUpdate" {
			continue
		}

		rate, err := decimal.NewFromString(event.FundingRate)
		if err != nil {
			continue
		}
		mark, _ := decimal.NewFromString(event.MarkPrice)
		index, _ := decimal.NewFromString(event.IndexPrice)

		onUpdate(RateSample{
			Source:             b.Name(),
			Instrument:         event.Symbol,
			Rate:               rate,
			MarkPrice:          mark,
			IndexPrice:         index,
			NextSettlementAt:   time.UnixMilli(event.NextFunding).UTC(),
			SettlementInterval: 8 * time.Hour,
			ObservedAt:         time.UnixMilli(event.EventTime).UTC(),
		})
	}
}

// PlaceOrder submits a market order.
func (b *Binance) PlaceOrder(ctx context.Context, instrument string, side Side, size decimal.Decimal) (OrderResult, error) {
	// Order signing belongs to the authenticated wire client; the plain
	// adapter only carries enough to exercise the execution path.
	body := strings.NewReader(fmt.Sprintf(
		"symbol=%s&side=%s&type=MARKET&quantity=%s",
		instrument, strings.ToUpper(string(side)), size.String(),
	))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.BaseURL+"/fapi/v1/order", body)
	if err != nil {
		return OrderResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return OrderResult{}, fmt.Errorf("binance: place order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return OrderResult{}, fmt.Errorf("binance: order rejected with status %d", resp.StatusCode)
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return OrderResult{}, fmt.Errorf("binance: decode order result: %w", err)
	}

	filled, _ := decimal.NewFromString(raw.ExecutedQty)
	avg, _ := decimal.NewFromString(raw.AvgPrice)

	return OrderResult{
		OrderID:    fmt.Sprintf("%d", raw.OrderID),
		Status:     strings.ToLower(raw.Status),
		FilledSize: filled,
		AvgPrice:   avg,
	}, nil
}

func (b *Binance) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.opts.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("binance: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance: unexpected status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Capability = (*Binance)(nil)
