package symbols

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/exchange"
)

type fakeSource struct {
	name    string
	symbols []string
	listErr error

	mu    sync.Mutex
	lists int
}

var _ exchange.Capability = (*fakeSource)(nil)

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ListSymbols(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	f.lists++
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.symbols, nil
}

func (f *fakeSource) FetchRate(ctx context.Context, instrument string) (exchange.RateSample, error) {
	return exchange.RateSample{}, errors.New("not a rate fake")
}

func (f *fakeSource) Subscribe(ctx context.Context, instrument string, channel exchange.Channel, onUpdate exchange.UpdateFunc) error {
	return exchange.ErrPushUnsupported
}

func (f *fakeSource) PlaceOrder(ctx context.Context, instrument string, side exchange.Side, size decimal.Decimal) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, errors.New("not a trading fake")
}

func (f *fakeSource) TakerFee() decimal.Decimal { return decimal.Zero }

func (f *fakeSource) SupportsPush() bool { return false }

func (f *fakeSource) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func newTestManager(opts Options, sources ...exchange.Capability) *Manager {
	return NewManager(sources, opts, zerolog.Nop())
}

func TestDiscoverSortsBySupportThenName(t *testing.T) {
	a := &fakeSource{name: "binance", symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}}
	b := &fakeSource{name: "bybit", symbols: []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT"}}
	m := newTestManager(Options{}, a, b)

	got, err := m.Discover(context.Background(), 1)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT", "SOLUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("instruments = %v, want %v", got, want)
	}
}

func TestDiscoverFiltersByMinSources(t *testing.T) {
	a := &fakeSource{name: "binance", symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}}
	b := &fakeSource{name: "bybit", symbols: []string{"BTCUSDT", "ETHUSDT"}}
	m := newTestManager(Options{}, a, b)

	got, err := m.Discover(context.Background(), 2)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("instruments = %v, want %v", got, want)
	}
}

func TestDiscoverCoverageAcrossThreeSources(t *testing.T) {
	a := &fakeSource{name: "alpha", symbols: []string{"BTCUSDT", "ETHUSDT"}}
	b := &fakeSource{name: "beta", symbols: []string{"BTCUSDT"}}
	c := &fakeSource{name: "gamma", symbols: []string{"BTCUSDT", "ETHUSDT"}}
	m := newTestManager(Options{}, a, b, c)

	got, err := m.Discover(context.Background(), 2)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Fatalf("minSources=2 instruments = %v", got)
	}

	avail := m.Availabilities()
	if !reflect.DeepEqual(avail["BTCUSDT"].SupportingSources, []string{"alpha", "beta", "gamma"}) {
		t.Fatalf("BTCUSDT supporters = %v", avail["BTCUSDT"].SupportingSources)
	}
	if !reflect.DeepEqual(avail["ETHUSDT"].SupportingSources, []string{"alpha", "gamma"}) {
		t.Fatalf("ETHUSDT supporters = %v", avail["ETHUSDT"].SupportingSources)
	}

	got, err = m.Discover(context.Background(), 3)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"BTCUSDT"}) {
		t.Fatalf("minSources=3 instruments = %v", got)
	}
}

func TestDiscoverDegradesWhenNoOverlap(t *testing.T) {
	a := &fakeSource{name: "binance", symbols: []string{"BTCUSDT"}}
	b := &fakeSource{name: "bybit", symbols: []string{"ETHUSDT"}}
	m := newTestManager(Options{}, a, b)

	got, err := m.Discover(context.Background(), 2)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("degraded instruments = %v, want %v", got, want)
	}
}

func TestDiscoverToleratesFailingSource(t *testing.T) {
	a := &fakeSource{name: "binance", symbols: []string{"BTCUSDT"}}
	b := &fakeSource{name: "bybit", listErr: errors.New("api down")}
	m := newTestManager(Options{}, a, b)

	got, err := m.Discover(context.Background(), 1)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"BTCUSDT"}) {
		t.Fatalf("instruments = %v, want [BTCUSDT]", got)
	}

	avail := m.Availabilities()["BTCUSDT"]
	if !reflect.DeepEqual(avail.MissingSources, []string{"bybit"}) {
		t.Fatalf("missing sources = %v, want [bybit]", avail.MissingSources)
	}
	if avail.Ratio != 0.5 {
		t.Fatalf("ratio = %v, want 0.5", avail.Ratio)
	}
}

func TestDiscoverUsesCacheUntilInvalidated(t *testing.T) {
	a := &fakeSource{name: "binance", symbols: []string{"BTCUSDT"}}
	m := newTestManager(Options{CacheTTL: time.Hour}, a)

	if _, err := m.Discover(context.Background(), 1); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, err := m.Discover(context.Background(), 1); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if a.listCount() != 1 {
		t.Fatalf("lists = %d, want 1 (cache hit)", a.listCount())
	}

	m.Invalidate()
	if _, err := m.Discover(context.Background(), 1); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if a.listCount() != 2 {
		t.Fatalf("lists = %d, want 2 after invalidate", a.listCount())
	}
}

func TestRecommendPlacesPreferredBasesFirst(t *testing.T) {
	a := &fakeSource{name: "binance", symbols: []string{"AAAUSDT", "BTCUSDT", "ETHUSDT", "ZZZUSDT"}}
	b := &fakeSource{name: "bybit", symbols: []string{"AAAUSDT", "BTCUSDT", "ETHUSDT", "ZZZUSDT"}}
	m := newTestManager(Options{PreferredBases: []string{"ETH", "BTC"}}, a, b)

	got, err := m.Recommend(context.Background(), 3, 2)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	want := []string{"ETHUSDT", "BTCUSDT", "AAAUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("recommended = %v, want %v", got, want)
	}
}

func TestRecommendHonorsMaxCount(t *testing.T) {
	a := &fakeSource{name: "binance", symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}}
	m := newTestManager(Options{PreferredBases: []string{"SOL"}}, a)

	got, err := m.Recommend(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"SOLUSDT"}) {
		t.Fatalf("recommended = %v, want [SOLUSDT]", got)
	}

	if got, _ := m.Recommend(context.Background(), 0, 1); got != nil {
		t.Fatalf("maxCount 0 should recommend nothing, got %v", got)
	}
}
