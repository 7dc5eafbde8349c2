// Package config defines all configuration for the scalper bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	API        APIConfig        `mapstructure:"api"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Micro      MicroConfig      `mapstructure:"micro"`
	Volatility VolatilityConfig `mapstructure:"volatility"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Funding    FundingConfig    `mapstructure:"funding"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// APIConfig holds the venue endpoints and credentials. If ApiKey/Secret are
// empty the gateway still serves public data; private calls return the
// venue's "9999" missing-key status without issuing a request.
type APIConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	ApiKey      string `mapstructure:"api_key"`
	ApiSecret   string `mapstructure:"api_secret"`
}

// TradingConfig selects what to trade and the capital envelope.
type TradingConfig struct {
	Symbols            []string `mapstructure:"symbols"`
	MaxTotalCapitalKRW float64  `mapstructure:"max_total_capital_krw"`
}

// MicroConfig tunes the microstructure analyzer.
//
//   - OBIDepthLevels: book depth used for the imbalance (max 10).
//   - OBILookback: SMA window over recent OBI values.
//   - OBIThreshold: |OBI| needed for a strong buy/sell flag.
//   - VPINBucketSize: trades per VPIN bucket.
//   - VPINNumBuckets: closed buckets required before VPIN is defined.
//   - VPINDangerThreshold: VPIN at or above this flags toxic flow.
type MicroConfig struct {
	OBIDepthLevels      int     `mapstructure:"obi_depth_levels"`
	OBILookback         int     `mapstructure:"obi_lookback"`
	OBIThreshold        float64 `mapstructure:"obi_threshold"`
	VPINBucketSize      int     `mapstructure:"vpin_bucket_size"`
	VPINNumBuckets      int     `mapstructure:"vpin_num_buckets"`
	VPINDangerThreshold float64 `mapstructure:"vpin_danger_threshold"`
}

// VolatilityConfig tunes realized volatility and the GARCH refit.
type VolatilityConfig struct {
	RVWindow        int           `mapstructure:"rv_window"`
	GARCHLookback   int           `mapstructure:"garch_lookback"`
	RetrainInterval time.Duration `mapstructure:"retrain_interval"`
}

// RegimeConfig tunes the HMM regime detector.
type RegimeConfig struct {
	LookbackHours   int           `mapstructure:"lookback_hours"`
	RetrainInterval time.Duration `mapstructure:"retrain_interval"`
	MinPrices       int           `mapstructure:"min_prices"`
}

// FundingConfig points at the perpetuals venue used for the funding-rate
// signal. SymbolMap translates local symbols to perp symbols; symbols
// without a mapping simply have no funding input.
type FundingConfig struct {
	BaseURL      string            `mapstructure:"base_url"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	SymbolMap    map[string]string `mapstructure:"symbol_map"`
}

// RiskConfig sets the sizing discipline and the hard limits.
//
//   - KellyFraction: fraction of full Kelly to use (and the pre-history default).
//   - KellyMinTrades: closed trades required before Kelly replaces the default.
//   - MaxSinglePositionRatio: per-position cap as a fraction of capital.
//   - MaxConcurrentPositions: cap on simultaneously open positions.
//   - DailyCVaRLimit: daily pnl fraction at or below which entries stop.
//   - MinCashReserveRatio: floor on the cash reserve regardless of regime.
//   - MaxConsecutiveLosses: circuit-breaker trip count.
//   - Cooldown: trading pause after the breaker trips.
//   - StopLossMultiplier / TrailingActivationPct / TrailingOffsetMultiplier:
//     exit rules, all scaled by realized volatility.
type RiskConfig struct {
	KellyFraction            float64       `mapstructure:"kelly_fraction"`
	KellyMinTrades           int           `mapstructure:"kelly_min_trades"`
	MaxSinglePositionRatio   float64       `mapstructure:"max_single_position_ratio"`
	MaxConcurrentPositions   int           `mapstructure:"max_concurrent_positions"`
	DailyCVaRLimit           float64       `mapstructure:"daily_cvar_limit"`
	MinCashReserveRatio      float64       `mapstructure:"min_cash_reserve_ratio"`
	MaxConsecutiveLosses     int           `mapstructure:"max_consecutive_losses"`
	Cooldown                 time.Duration `mapstructure:"cooldown"`
	StopLossMultiplier       float64       `mapstructure:"stop_loss_multiplier"`
	TrailingActivationPct    float64       `mapstructure:"trailing_activation_pct"`
	TrailingOffsetMultiplier float64       `mapstructure:"trailing_offset_multiplier"`
}

// NotifyConfig holds notification credentials. Empty values disable the
// channel; the bot runs fine without it.
type NotifyConfig struct {
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the status/metrics HTTP server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BITHUMB_API_KEY, BITHUMB_API_SECRET,
// TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCALPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("BITHUMB_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("BITHUMB_API_SECRET"); secret != "" {
		cfg.API.ApiSecret = secret
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Notify.TelegramBotToken = token
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Notify.TelegramChatID = chat
	}
	if os.Getenv("SCALPER_DRY_RUN") == "true" || os.Getenv("SCALPER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults fills the tunables so a minimal YAML file (endpoints only)
// runs with the reference parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.rest_base_url", "https://api.bithumb.com")
	v.SetDefault("api.ws_url", "wss://pubwss.bithumb.com/pub/ws")

	v.SetDefault("trading.symbols", []string{"BTC", "ETH", "XRP", "SOL", "DOGE"})
	v.SetDefault("trading.max_total_capital_krw", 50_000_000)

	v.SetDefault("micro.obi_depth_levels", 10)
	v.SetDefault("micro.obi_lookback", 20)
	v.SetDefault("micro.obi_threshold", 0.60)
	v.SetDefault("micro.vpin_bucket_size", 50)
	v.SetDefault("micro.vpin_num_buckets", 50)
	v.SetDefault("micro.vpin_danger_threshold", 0.80)

	v.SetDefault("volatility.rv_window", 60)
	v.SetDefault("volatility.garch_lookback", 500)
	v.SetDefault("volatility.retrain_interval", 30*time.Minute)

	v.SetDefault("regime.lookback_hours", 168)
	v.SetDefault("regime.retrain_interval", time.Hour)
	v.SetDefault("regime.min_prices", 120)

	v.SetDefault("funding.base_url", "https://fapi.binance.com")
	v.SetDefault("funding.poll_interval", 5*time.Minute)
	v.SetDefault("funding.symbol_map", map[string]string{
		"BTC": "BTCUSDT",
		"ETH": "ETHUSDT",
		"SOL": "SOLUSDT",
	})

	v.SetDefault("risk.kelly_fraction", 0.25)
	v.SetDefault("risk.kelly_min_trades", 20)
	v.SetDefault("risk.max_single_position_ratio", 0.20)
	v.SetDefault("risk.max_concurrent_positions", 3)
	v.SetDefault("risk.daily_cvar_limit", -0.03)
	v.SetDefault("risk.min_cash_reserve_ratio", 0.20)
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.cooldown", 30*time.Minute)
	v.SetDefault("risk.stop_loss_multiplier", 2.0)
	v.SetDefault("risk.trailing_activation_pct", 0.015)
	v.SetDefault("risk.trailing_offset_multiplier", 1.5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8000)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if c.Trading.MaxTotalCapitalKRW <= 0 {
		return fmt.Errorf("trading.max_total_capital_krw must be > 0")
	}
	if c.Micro.OBIDepthLevels <= 0 || c.Micro.OBIDepthLevels > 10 {
		return fmt.Errorf("micro.obi_depth_levels must be in 1..10")
	}
	if c.Micro.VPINBucketSize <= 0 {
		return fmt.Errorf("micro.vpin_bucket_size must be > 0")
	}
	if c.Volatility.RVWindow <= 0 {
		return fmt.Errorf("volatility.rv_window must be > 0")
	}
	if c.Risk.KellyFraction <= 0 || c.Risk.KellyFraction > 1 {
		return fmt.Errorf("risk.kelly_fraction must be in (0, 1]")
	}
	if c.Risk.MaxSinglePositionRatio <= 0 || c.Risk.MaxSinglePositionRatio > 1 {
		return fmt.Errorf("risk.max_single_position_ratio must be in (0, 1]")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if c.Risk.DailyCVaRLimit >= 0 {
		return fmt.Errorf("risk.daily_cvar_limit must be negative")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}
	return nil
}
