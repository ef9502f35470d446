package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-arbiter/internal/aggregator"
	"funding-rate-arbiter/internal/alerting"
	"funding-rate-arbiter/internal/api"
	"funding-rate-arbiter/internal/config"
	"funding-rate-arbiter/internal/detector"
	"funding-rate-arbiter/internal/exchange"
	"funding-rate-arbiter/internal/retry"
	"funding-rate-arbiter/internal/risk"
	"funding-rate-arbiter/internal/service"
	"funding-rate-arbiter/internal/storage"
	"funding-rate-arbiter/internal/symbols"
	"funding-rate-arbiter/internal/trader"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newExchanges() ([]exchange.Capability, error) {
	if len(a.Config.Exchanges) == 0 {
		return nil, errors.New("at least one exchange must be configured")
	}

	sources := make([]exchange.Capability, 0, len(a.Config.Exchanges))
	seen := make(map[string]bool, len(a.Config.Exchanges))
	for _, cfg := range a.Config.Exchanges {
		var source exchange.Capability
		switch cfg.Kind {
		case "binance":
			source = exchange.NewBinance(exchange.BinanceOptions{
				BaseURL:  cfg.BaseURL,
				WSURL:    cfg.WSURL,
				TakerFee: decimal.NewFromFloat(cfg.TakerFee),
				Timeout:  cfg.RequestTimeout,
			}, a.Logger)
		case "bybit":
			source = exchange.NewBybit(exchange.BybitOptions{
				BaseURL:  cfg.BaseURL,
				TakerFee: decimal.NewFromFloat(cfg.TakerFee),
				Timeout:  cfg.RequestTimeout,
			}, a.Logger)
		default:
			return nil, fmt.Errorf("unsupported exchange kind %q", cfg.Kind)
		}
		if seen[source.Name()] {
			return nil, fmt.Errorf("exchange %q configured twice", source.Name())
		}
		seen[source.Name()] = true

		if a.Config.Trading.Paper {
			source = exchange.NewPaper(source, a.Logger)
		}
		sources = append(sources, source)
	}
	return sources, nil
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	notifier := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	return alerting.NewDispatcher(notifier, a.Config.Alerting.Channels, a.Config.Alerting.Cooldown, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// buildService assembles the full pipeline over the given sources.
func (a *App) buildService(sources []exchange.Capability, recorder *storage.Recorder, dispatcher *alerting.Dispatcher) *service.Service {
	cfg := a.Config

	sym := symbols.NewManager(sources, symbols.Options{
		CacheTTL:       cfg.Symbols.CacheTTL,
		PreferredBases: cfg.Symbols.PreferredBases,
		QuoteSuffix:    cfg.Symbols.QuoteSuffix,
	}, a.Logger)

	agg := aggregator.New(sources, aggregator.Options{
		PollInterval: cfg.Aggregator.PollInterval,
		Staleness:    cfg.Aggregator.Staleness,
		FetchTimeout: cfg.Aggregator.FetchTimeout,
		PushRetries:  cfg.Aggregator.PushRetries,
		Retry: retry.Policy{
			MaxAttempts: cfg.Aggregator.RetryAttempts,
			BaseDelay:   cfg.Aggregator.RetryBaseDelay,
			MaxDelay:    cfg.Aggregator.RetryMaxDelay,
		},
	}, a.Logger)

	fees := make(map[string]decimal.Decimal, len(sources))
	byName := make(map[string]exchange.Capability, len(sources))
	for _, source := range sources {
		fees[source.Name()] = source.TakerFee()
		byName[source.Name()] = source
	}

	det := detector.New(detector.Options{
		SpreadThreshold: decimal.NewFromFloat(cfg.Detector.SpreadThreshold),
		ExtremePositive: decimal.NewFromFloat(cfg.Detector.ExtremePositive),
		ExtremeNegative: decimal.NewFromFloat(cfg.Detector.ExtremeNegative),
		MinProfitRate:   decimal.NewFromFloat(cfg.Detector.MinProfitRate),
		Notional:        decimal.NewFromFloat(cfg.Trading.Notional),
		TTL:             cfg.Detector.TTL,
		CrossCooldown:   cfg.Detector.CrossCooldown,
		ExtremeCooldown: cfg.Detector.ExtremeCooldown,
	}, fees, a.Logger)

	rm := risk.NewManager(risk.Limits{
		MaxTotalExposure:  decimal.NewFromFloat(cfg.Risk.MaxTotalExposure),
		MaxSinglePosition: decimal.NewFromFloat(cfg.Risk.MaxSinglePosition),
		MaxPositions:      cfg.Risk.MaxPositions,
		DailyLossLimit:    decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
		MaxCorrelation:    cfg.Risk.MaxCorrelation,
		MaxVolatility:     cfg.Risk.MaxVolatility,
		MaxDrawdownPct:    cfg.Risk.MaxDrawdownPct,
		BreakerThreshold:  cfg.Risk.BreakerThreshold,
		RecoveryTimeout:   cfg.Risk.RecoveryTimeout,
	}, a.Logger)

	var positionRecorder trader.Recorder
	var positionNotifier trader.Notifier
	if recorder != nil {
		positionRecorder = recorder
	}
	if dispatcher != nil {
		positionNotifier = dispatcher
	}

	tr := trader.New(byName, rm, trader.Options{
		MaxSinglePosition:    decimal.NewFromFloat(cfg.Risk.MaxSinglePosition),
		MaxHolding:           cfg.Trading.MaxHolding,
		StopLossPct:          decimal.NewFromFloat(cfg.Trading.StopLossPct),
		TakeProfitPct:        decimal.NewFromFloat(cfg.Trading.TakeProfitPct),
		OrderTimeout:         cfg.Trading.OrderTimeout,
		DefaultKellyFraction: decimal.NewFromFloat(cfg.Trading.KellyFraction),
	}, positionRecorder, positionNotifier, a.Logger)

	var svcRecorder service.Recorder
	var svcNotifier service.Notifier
	if recorder != nil {
		svcRecorder = recorder
	}
	if dispatcher != nil {
		svcNotifier = dispatcher
	}

	return service.New(sym, agg, det, tr, rm, svcRecorder, svcNotifier, service.Options{
		DetectInterval:  cfg.Detector.Interval,
		MonitorInterval: cfg.Trading.MonitorInterval,
		MinSources:      cfg.Symbols.MinSources,
		MaxInstruments:  cfg.Symbols.MaxInstruments,
	}, a.Logger)
}

// Run executes the long-running arbitrage service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var recorder *storage.Recorder
	if store != nil {
		recorder = storage.NewRecorder(store, a.Logger)
	}

	sources, err := a.newExchanges()
	if err != nil {
		return err
	}
	if a.Config.Trading.Paper {
		a.Logger.Info().Msg("paper trading enabled; orders will not reach exchanges")
	}

	svc := a.buildService(sources, recorder, a.newDispatcher())

	var wg sync.WaitGroup
	if a.Config.API.Enabled {
		server := api.New(svc, a.Config.API.Listen, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("api server terminated with error")
				cancel()
			}
		}()
	}

	a.Logger.Info().Msg("starting arbitrage service")
	err = svc.Run(ctx)
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("arbitrage service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical detections.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Positions bool
}

// SimulateOptions feed a synthetic detection through the pipeline.
type SimulateOptions struct {
	Instrument string
	RateA      decimal.Decimal
	RateB      decimal.Decimal
	MarkPrice  decimal.Decimal
}
