package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionperps/engine/internal/engine"
	"github.com/optionperps/engine/internal/fixed"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValidAndMatchesEngineDefaults(t *testing.T) {
	cfg := Default(time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, cfg.Validate())

	p, err := cfg.EngineParams()
	require.NoError(t, err)
	assert.True(t, p.FeeOpenPosition.Equal(engine.DefaultFeeOpenPosition))
	assert.True(t, p.FeeClosePosition.Equal(engine.DefaultFeeClosePosition))
	assert.True(t, p.FeeLiquidation.Equal(engine.DefaultFeeLiquidation))
	assert.True(t, p.LiquidationThreshold.Equal(engine.DefaultLiquidationThreshold))
	assert.True(t, p.FeePriorityWithheld.Equal(engine.DefaultFeePriorityWithheld))
	assert.True(t, p.MinFundingRate.Equal(engine.DefaultMinFundingRate))
	assert.True(t, p.MaxFundingRate.Equal(engine.DefaultMaxFundingRate))
	assert.Equal(t, "ETH", p.Pair.Base)
	assert.Equal(t, "USDC", p.Pair.Quote)
}

func TestDefault_FirstExpiryIsNextFriday(t *testing.T) {
	// 2025-08-01 is a Friday.
	cases := map[time.Time]time.Time{
		time.Date(2025, 7, 30, 12, 0, 0, 0, time.UTC): time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 8, 1, 7, 0, 0, 0, time.UTC):   time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC):   time.Date(2025, 8, 8, 8, 0, 0, 0, time.UTC),
	}
	for now, want := range cases {
		assert.True(t, Default(now).Market.FirstExpiry.Equal(want), "now %s", now)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9090"
  write_timeout: 20s
market:
  pair: BTC/USDT
  first_expiry: 2025-08-08T08:00:00Z
  fee_open_position: 0.1
risk:
  max_leverage: 20
  max_short_oi: 5000000
oracle:
  static_price: 64250.5
keeper:
  interval: 3s
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.Server.WriteTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "keeper", cfg.Keeper.Account)
	assert.Equal(t, 3*time.Second, cfg.Keeper.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Market.FirstExpiry.Equal(time.Date(2025, 8, 8, 8, 0, 0, 0, time.UTC)))

	p, err := cfg.EngineParams()
	require.NoError(t, err)
	assert.Equal(t, "BTC", p.Pair.Base)
	assert.True(t, p.FeeOpenPosition.Equal(fixed.New(10_000_000)), "fee open %s", p.FeeOpenPosition)
	assert.True(t, p.FeeClosePosition.Equal(engine.DefaultFeeClosePosition))

	lim := cfg.Limiter()
	assert.Equal(t, int64(20), lim.MaxLeverage)
	assert.True(t, lim.MaxShortOI.Equal(fixed.Units(5_000_000, fixed.Decimals)))
	assert.True(t, lim.MaxLongOI.IsZero())

	assert.True(t, cfg.StaticPrice().Equal(fixed.New(6_425_050_000_000)), "price %s", cfg.StaticPrice())
	assert.True(t, cfg.Volatility().Equal(fixed.Units(80, fixed.Decimals)))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://localhost/optionperps")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("OPTIONPERPS_ADMIN_TOKEN", "s3cret")
	t.Setenv("OPTIONPERPS_PRICE_WS_URL", "wss://prices.example/eth")

	cfg, err := Load(writeFile(t, "server:\n  port: \"9090\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/optionperps", cfg.Storage.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.RedisURL)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, "wss://prices.example/eth", cfg.Oracle.PriceWSURL)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.Market.FirstExpiry.After(time.Now()))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "server: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "market:\n  fee_liquidation: 100\n"))
	assert.ErrorContains(t, err, "fee_liquidation")
}

func TestValidate_Rejections(t *testing.T) {
	base := Default(time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"bad pair", func(c *Config) { c.Market.Pair = "ETHUSDC" }},
		{"no expiry", func(c *Config) { c.Market.FirstExpiry = time.Time{} }},
		{"no admin", func(c *Config) { c.Market.Admin = "" }},
		{"negative fee", func(c *Config) { c.Market.FeeOpenPosition = decimal.NewFromInt(-1) }},
		{"threshold 100", func(c *Config) { c.Market.LiquidationThreshold = decimal.NewFromInt(100) }},
		{"withheld above 100", func(c *Config) { c.Market.FeePriorityWithheld = decimal.NewFromInt(101) }},
		{"min above max funding", func(c *Config) { c.Market.MinFundingRate = decimal.NewFromInt(60) }},
		{"negative leverage", func(c *Config) { c.Risk.MaxLeverage = -1 }},
		{"negative oi cap", func(c *Config) { c.Risk.MaxLongOI = decimal.NewFromInt(-5) }},
		{"no price source", func(c *Config) { c.Oracle.StaticPrice = decimal.Zero }},
		{"http price url", func(c *Config) { c.Oracle.PriceWSURL = "http://prices.example" }},
		{"zero volatility", func(c *Config) { c.Oracle.Volatility = decimal.Zero }},
		{"keeper without account", func(c *Config) { c.Keeper.Account = "" }},
		{"keeper without interval", func(c *Config) { c.Keeper.Interval = 0 }},
		{"unknown level", func(c *Config) { c.Logging.Level = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	// A streamed price does not need a static one, and a disabled keeper
	// needs no account.
	c := base
	c.Oracle.StaticPrice = decimal.Zero
	c.Oracle.PriceWSURL = "wss://prices.example/eth"
	c.Keeper = KeeperConfig{}
	assert.NoError(t, c.Validate())
}
