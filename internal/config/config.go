package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"funding-rate-arbiter/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Exchanges  []ExchangeConfig `mapstructure:"exchanges"`
	Symbols    SymbolsConfig    `mapstructure:"symbols"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Trading    TradingConfig    `mapstructure:"trading"`
	API        APIConfig        `mapstructure:"api"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN
// disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExchangeConfig declares one funding-rate source.
type ExchangeConfig struct {
	Name           string        `mapstructure:"name"`
	Kind           string        `mapstructure:"kind"`
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	TakerFee       float64       `mapstructure:"taker_fee"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SymbolsConfig governs cross-source instrument discovery.
type SymbolsConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	MinSources     int           `mapstructure:"min_sources"`
	MaxInstruments int           `mapstructure:"max_instruments"`
	PreferredBases []string      `mapstructure:"preferred_bases"`
	QuoteSuffix    string        `mapstructure:"quote_suffix"`
}

// AggregatorConfig tunes sample collection.
type AggregatorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Staleness      time.Duration `mapstructure:"staleness"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	PushRetries    int           `mapstructure:"push_retries"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// DetectorConfig tunes opportunity scanning.
type DetectorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SpreadThreshold float64       `mapstructure:"spread_threshold"`
	ExtremePositive float64       `mapstructure:"extreme_positive"`
	ExtremeNegative float64       `mapstructure:"extreme_negative"`
	MinProfitRate   float64       `mapstructure:"min_profit_rate"`
	TTL             time.Duration `mapstructure:"ttl"`
	CrossCooldown   time.Duration `mapstructure:"cross_cooldown"`
	ExtremeCooldown time.Duration `mapstructure:"extreme_cooldown"`
}

// RiskConfig bounds the portfolio.
type RiskConfig struct {
	MaxTotalExposure  float64       `mapstructure:"max_total_exposure"`
	MaxSinglePosition float64       `mapstructure:"max_single_position"`
	MaxPositions      int           `mapstructure:"max_positions"`
	DailyLossLimit    float64       `mapstructure:"daily_loss_limit"`
	MaxCorrelation    float64       `mapstructure:"max_correlation"`
	MaxVolatility     float64       `mapstructure:"max_volatility"`
	MaxDrawdownPct    float64       `mapstructure:"max_drawdown_pct"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout"`
}

// TradingConfig governs position lifecycle.
type TradingConfig struct {
	Paper           bool          `mapstructure:"paper"`
	Notional        float64       `mapstructure:"notional"`
	StopLossPct     float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct   float64       `mapstructure:"take_profit_pct"`
	MaxHolding      time.Duration `mapstructure:"max_holding"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	OrderTimeout    time.Duration `mapstructure:"order_timeout"`
	KellyFraction   float64       `mapstructure:"kelly_fraction"`
}

// APIConfig exposes the read-only HTTP surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUNDARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fundarbiter")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("symbols.cache_ttl", "1h")
	v.SetDefault("symbols.min_sources", 2)
	v.SetDefault("symbols.max_instruments", 10)
	v.SetDefault("symbols.preferred_bases", []string{
		"BTC", "ETH", "SOL", "AVAX", "LINK", "ADA", "DOT", "UNI", "LTC", "MATIC",
	})
	v.SetDefault("symbols.quote_suffix", "USDT")

	v.SetDefault("aggregator.poll_interval", "30s")
	v.SetDefault("aggregator.staleness", "5m")
	v.SetDefault("aggregator.fetch_timeout", "10s")
	v.SetDefault("aggregator.push_retries", 3)
	v.SetDefault("aggregator.retry_attempts", 3)
	v.SetDefault("aggregator.retry_base_delay", "1s")
	v.SetDefault("aggregator.retry_max_delay", "30s")

	v.SetDefault("detector.interval", "60s")
	v.SetDefault("detector.spread_threshold", 0.001)
	v.SetDefault("detector.extreme_positive", 0.001)
	v.SetDefault("detector.extreme_negative", -0.001)
	v.SetDefault("detector.min_profit_rate", 0.002)
	v.SetDefault("detector.ttl", "5m")
	v.SetDefault("detector.cross_cooldown", "30m")
	v.SetDefault("detector.extreme_cooldown", "1h")

	v.SetDefault("risk.max_total_exposure", 10000.0)
	v.SetDefault("risk.max_single_position", 2000.0)
	v.SetDefault("risk.max_positions", 20)
	v.SetDefault("risk.daily_loss_limit", 500.0)
	v.SetDefault("risk.max_correlation", 0.7)
	v.SetDefault("risk.max_volatility", 0.5)
	v.SetDefault("risk.max_drawdown_pct", 5.0)
	v.SetDefault("risk.breaker_threshold", 5)
	v.SetDefault("risk.recovery_timeout", "5m")

	v.SetDefault("trading.paper", true)
	v.SetDefault("trading.notional", 100.0)
	v.SetDefault("trading.stop_loss_pct", 2.0)
	v.SetDefault("trading.take_profit_pct", 1.0)
	v.SetDefault("trading.max_holding", "8h30m")
	v.SetDefault("trading.monitor_interval", "30s")
	v.SetDefault("trading.order_timeout", "15s")
	v.SetDefault("trading.kelly_fraction", 0.25)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", ":8080")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Detector.Interval <= 0 {
		return fmt.Errorf("detector.interval must be greater than zero")
	}
	if c.Trading.Notional <= 0 {
		return fmt.Errorf("trading.notional must be greater than zero")
	}
	if c.Trading.MonitorInterval <= 0 {
		return fmt.Errorf("trading.monitor_interval must be greater than zero")
	}
	if c.Detector.SpreadThreshold < 0 {
		return fmt.Errorf("detector.spread_threshold cannot be negative")
	}
	if c.Risk.MaxSinglePosition > c.Risk.MaxTotalExposure {
		return fmt.Errorf("risk.max_single_position cannot exceed risk.max_total_exposure")
	}
	if c.Symbols.MinSources < 1 {
		return fmt.Errorf("symbols.min_sources must be at least 1")
	}
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name 必须配置", i)
		}
		switch ex.Kind {
		case "binance", "bybit":
		default:
			return fmt.Errorf("exchanges[%d].kind %q is not supported", i, ex.Kind)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
