// Package config loads the server configuration from YAML with environment
// overrides.
//
// Rates and prices are written in human units (percent, USD) and converted
// to the engine's fixed-point scales by the accessor methods.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/optionperps/engine/internal/engine"
	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/instrument"
	"github.com/optionperps/engine/internal/risk"
)

// Config holds every setting of the server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Market  MarketConfig  `yaml:"market"`
	Risk    RiskConfig    `yaml:"risk"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Storage StorageConfig `yaml:"storage"`
	Keeper  KeeperConfig  `yaml:"keeper"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// AdminToken guards POST /epoch and POST /faucet. Empty disables both.
	AdminToken      string        `yaml:"admin_token"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Faucet exposes POST /faucet for test balances.
	Faucet bool `yaml:"faucet"`
}

// MarketConfig describes the traded pair. Fee and rate fields are percents
// (0.25 means 0.25%); funding rates are annualized.
type MarketConfig struct {
	Pair        string    `yaml:"pair"`
	FirstExpiry time.Time `yaml:"first_expiry"`
	Account     string    `yaml:"account"`
	Admin       string    `yaml:"admin"`

	FeeOpenPosition      decimal.Decimal `yaml:"fee_open_position"`
	FeeClosePosition     decimal.Decimal `yaml:"fee_close_position"`
	FeeLiquidation       decimal.Decimal `yaml:"fee_liquidation"`
	LiquidationThreshold decimal.Decimal `yaml:"liquidation_threshold"`
	FeePriorityWithheld  decimal.Decimal `yaml:"fee_priority_withheld"`
	MinFundingRate       decimal.Decimal `yaml:"min_funding_rate"`
	MaxFundingRate       decimal.Decimal `yaml:"max_funding_rate"`
}

// RiskConfig holds the open-time limits. Zero disables a limit.
type RiskConfig struct {
	MaxLeverage int64           `yaml:"max_leverage"`
	MaxLongOI   decimal.Decimal `yaml:"max_long_oi"`  // USD notional
	MaxShortOI  decimal.Decimal `yaml:"max_short_oi"` // USD notional
}

// OracleConfig selects the mark price source. With PriceWSURL set the mark
// price streams from a websocket; otherwise StaticPrice is used.
type OracleConfig struct {
	StaticPrice  decimal.Decimal `yaml:"static_price"` // USD
	PriceWSURL   string          `yaml:"price_ws_url"`
	MaxPriceAge  time.Duration   `yaml:"max_price_age"`
	Volatility   decimal.Decimal `yaml:"volatility"`     // percent
	RiskFreeRate decimal.Decimal `yaml:"risk_free_rate"` // percent
}

type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type KeeperConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Account          string        `yaml:"account"`
	ActionsPerSecond float64       `yaml:"actions_per_second"`
	Burst            int           `yaml:"burst"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn or error
	File       string `yaml:"file"`  // empty logs to stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used for anything a file leaves unset.
// The first expiry is the next Friday 08:00 UTC after now.
func Default(now time.Time) Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Market: MarketConfig{
			Pair:                 "ETH/USDC",
			FirstExpiry:          nextFriday(now),
			Account:              "engine",
			Admin:                "admin",
			FeeOpenPosition:      decimal.RequireFromString("0.25"),
			FeeClosePosition:     decimal.RequireFromString("0.25"),
			FeeLiquidation:       decimal.RequireFromString("0.5"),
			LiquidationThreshold: decimal.NewFromInt(5),
			FeePriorityWithheld:  decimal.NewFromInt(50),
			MinFundingRate:       decimal.NewFromInt(5),
			MaxFundingRate:       decimal.NewFromInt(50),
		},
		Oracle: OracleConfig{
			StaticPrice:  decimal.NewFromInt(1000),
			MaxPriceAge:  time.Minute,
			Volatility:   decimal.NewFromInt(80),
			RiskFreeRate: decimal.Zero,
		},
		Storage: StorageConfig{
			CacheTTL: 30 * time.Second,
		},
		Keeper: KeeperConfig{
			Enabled:          true,
			Interval:         10 * time.Second,
			Account:          "keeper",
			ActionsPerSecond: 5,
			Burst:            1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses the defaults.
func Load(path string) (*Config, error) {
	cfg := Default(time.Now().UTC())
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overrideWithEnv replaces settings with environment variables when they
// are set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("OPTIONPERPS_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("OPTIONPERPS_PRICE_WS_URL"); v != "" {
		cfg.Oracle.PriceWSURL = v
	}
}

var hundred = decimal.NewFromInt(100)

// Validate checks ranges and required settings.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if _, err := instrument.ParsePair(c.Market.Pair); err != nil {
		return err
	}
	if c.Market.FirstExpiry.IsZero() {
		return errors.New("market first_expiry is required")
	}
	if c.Market.Account == "" || c.Market.Admin == "" {
		return errors.New("market account and admin are required")
	}

	for name, v := range map[string]decimal.Decimal{
		"fee_open_position":     c.Market.FeeOpenPosition,
		"fee_close_position":    c.Market.FeeClosePosition,
		"fee_liquidation":       c.Market.FeeLiquidation,
		"liquidation_threshold": c.Market.LiquidationThreshold,
	} {
		if v.IsNegative() || v.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("%s must be in [0, 100), got %s", name, v)
		}
	}
	if v := c.Market.FeePriorityWithheld; v.IsNegative() || v.GreaterThan(hundred) {
		return fmt.Errorf("fee_priority_withheld must be in [0, 100], got %s", v)
	}
	if c.Market.MinFundingRate.IsNegative() || c.Market.MaxFundingRate.LessThan(c.Market.MinFundingRate) {
		return fmt.Errorf("funding rates must satisfy 0 <= min <= max, got %s and %s",
			c.Market.MinFundingRate, c.Market.MaxFundingRate)
	}

	if c.Risk.MaxLeverage < 0 || c.Risk.MaxLongOI.IsNegative() || c.Risk.MaxShortOI.IsNegative() {
		return errors.New("risk limits must not be negative")
	}

	if c.Oracle.PriceWSURL == "" && !c.Oracle.StaticPrice.IsPositive() {
		return errors.New("oracle static_price must be positive without price_ws_url")
	}
	if c.Oracle.PriceWSURL != "" && !strings.HasPrefix(c.Oracle.PriceWSURL, "ws://") && !strings.HasPrefix(c.Oracle.PriceWSURL, "wss://") {
		return fmt.Errorf("invalid oracle price_ws_url: %s", c.Oracle.PriceWSURL)
	}
	if !c.Oracle.Volatility.IsPositive() {
		return errors.New("oracle volatility must be positive")
	}

	if c.Keeper.Enabled {
		if c.Keeper.Account == "" {
			return errors.New("keeper account is required")
		}
		if c.Keeper.Interval <= 0 {
			return errors.New("keeper interval must be positive")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// EngineParams converts the market section to engine parameters.
func (c *Config) EngineParams() (engine.Params, error) {
	pair, err := instrument.ParsePair(c.Market.Pair)
	if err != nil {
		return engine.Params{}, err
	}
	p := engine.DefaultParams(pair, c.Market.FirstExpiry)
	p.Account = c.Market.Account
	p.Admin = c.Market.Admin
	p.FeeOpenPosition = scaled(c.Market.FeeOpenPosition)
	p.FeeClosePosition = scaled(c.Market.FeeClosePosition)
	p.FeeLiquidation = scaled(c.Market.FeeLiquidation)
	p.LiquidationThreshold = scaled(c.Market.LiquidationThreshold)
	p.FeePriorityWithheld = scaled(c.Market.FeePriorityWithheld)
	p.MinFundingRate = scaled(c.Market.MinFundingRate)
	p.MaxFundingRate = scaled(c.Market.MaxFundingRate)
	return p, nil
}

// Limiter builds the risk limiter.
func (c *Config) Limiter() *risk.Limiter {
	return risk.NewLimiter(c.Risk.MaxLeverage, scaled(c.Risk.MaxLongOI), scaled(c.Risk.MaxShortOI))
}

// StaticPrice is the configured mark price at fixed.Scale.
func (c *Config) StaticPrice() fixed.Int { return scaled(c.Oracle.StaticPrice) }

// Volatility is the configured implied volatility at fixed.Scale.
func (c *Config) Volatility() fixed.Int { return scaled(c.Oracle.Volatility) }

// RiskFreeRate is the configured rate at fixed.Scale.
func (c *Config) RiskFreeRate() fixed.Int { return scaled(c.Oracle.RiskFreeRate) }

// scaled converts a human-unit value to fixed.Scale, truncating beyond
// eight decimals.
func scaled(d decimal.Decimal) fixed.Int {
	return fixed.FromDecimal(d.Shift(fixed.Decimals))
}

func nextFriday(now time.Time) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), 8, 0, 0, 0, time.UTC)
	for t.Weekday() != time.Friday || !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
