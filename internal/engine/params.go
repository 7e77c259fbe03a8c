package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/instrument"
)

// Rates are percent times fixed.Scale: 0.25% is 25_000_000.
var (
	DefaultFeeOpenPosition      = fixed.New(25_000_000)
	DefaultFeeClosePosition     = fixed.New(25_000_000)
	DefaultFeeLiquidation       = fixed.New(50_000_000)
	DefaultLiquidationThreshold = fixed.Units(5, fixed.Decimals)
	DefaultFeePriorityWithheld  = fixed.Units(50, fixed.Decimals)
	DefaultMinFundingRate       = fixed.Units(5, fixed.Decimals)
	DefaultMaxFundingRate       = fixed.Units(50, fixed.Decimals)
)

var hundredPercent = fixed.OneHundred.Mul(fixed.Scale)

// Params are the market parameters of one engine.
type Params struct {
	Pair instrument.Pair

	// Account holds the pools' assets and trader collateral on the token
	// ledgers.
	Account string
	// Admin is the only caller allowed to roll the epoch.
	Admin string

	// FirstExpiry is the expiry of epoch 1.
	FirstExpiry time.Time

	FeeOpenPosition      fixed.Int
	FeeClosePosition     fixed.Int
	FeeLiquidation       fixed.Int // of margin
	LiquidationThreshold fixed.Int // haircut on net margin
	FeePriorityWithheld  fixed.Int // share of the priority fee kept by the pool
	MinFundingRate       fixed.Int // annualized
	MaxFundingRate       fixed.Int // annualized
}

// DefaultParams returns the default market parameters for pair.
func DefaultParams(pair instrument.Pair, firstExpiry time.Time) Params {
	return Params{
		Pair:                 pair,
		Account:              "engine",
		Admin:                "admin",
		FirstExpiry:          firstExpiry,
		FeeOpenPosition:      DefaultFeeOpenPosition,
		FeeClosePosition:     DefaultFeeClosePosition,
		FeeLiquidation:       DefaultFeeLiquidation,
		LiquidationThreshold: DefaultLiquidationThreshold,
		FeePriorityWithheld:  DefaultFeePriorityWithheld,
		MinFundingRate:       DefaultMinFundingRate,
		MaxFundingRate:       DefaultMaxFundingRate,
	}
}

// Validate checks that every rate is within [0, 100%] and the funding band
// is ordered.
func (p Params) Validate() error {
	if p.Account == "" {
		return errors.New("engine: account is required")
	}
	if p.Admin == "" {
		return errors.New("engine: admin is required")
	}
	if p.FirstExpiry.IsZero() {
		return errors.New("engine: first expiry is required")
	}

	rates := []struct {
		name string
		v    fixed.Int
	}{
		{"fee_open_position", p.FeeOpenPosition},
		{"fee_close_position", p.FeeClosePosition},
		{"fee_liquidation", p.FeeLiquidation},
		{"liquidation_threshold", p.LiquidationThreshold},
		{"fee_priority_withheld", p.FeePriorityWithheld},
		{"min_funding_rate", p.MinFundingRate},
		{"max_funding_rate", p.MaxFundingRate},
	}
	for _, r := range rates {
		if r.v.IsNegative() || r.v.GreaterThan(hundredPercent) {
			return fmt.Errorf("engine: %s must be within [0, 100%%], got %s%%", r.name, r.v.Shift(fixed.Decimals))
		}
	}
	if p.MinFundingRate.GreaterThan(p.MaxFundingRate) {
		return errors.New("engine: min_funding_rate exceeds max_funding_rate")
	}
	return nil
}
