// Package risk implements open-time limits on leverage and per-side open
// interest.
//
// The pool itself only refuses positions it cannot back. These limits sit
// in front of that check and keep a single trader or a single side from
// absorbing the whole pool.
package risk

import (
	"errors"
	"fmt"

	"github.com/optionperps/engine/internal/fixed"
)

var (
	// ErrLeverageExceeded is returned when notional / collateral exceeds
	// MaxLeverage.
	ErrLeverageExceeded = errors.New("risk: max leverage exceeded")

	// ErrOpenInterestCapExceeded is returned when a position would push one
	// side's open interest beyond its cap.
	ErrOpenInterestCapExceeded = errors.New("risk: open interest cap exceeded")
)

// Limiter enforces open-time risk limits. A zero limit is disabled.
type Limiter struct {
	// MaxLeverage is the maximum notional / collateral ratio, as a plain
	// integer (20 == 20x).
	MaxLeverage int64

	// MaxLongOI and MaxShortOI cap each side's open interest, in USD
	// notional at fixed.Scale.
	MaxLongOI  fixed.Int
	MaxShortOI fixed.Int
}

// NewLimiter creates a limiter. Pass zero values to disable a limit.
func NewLimiter(maxLeverage int64, maxLongOI, maxShortOI fixed.Int) *Limiter {
	if maxLeverage < 0 {
		maxLeverage = 0
	}
	return &Limiter{
		MaxLeverage: maxLeverage,
		MaxLongOI:   maxLongOI,
		MaxShortOI:  maxShortOI,
	}
}

// CheckOpen validates a new position.
//
// Parameters:
//   - isShort: direction of the position
//   - size: USD notional at fixed.Scale
//   - collateral: posted collateral in quote units (1e6)
//   - sideOI: current open interest of the side the position joins
func (l *Limiter) CheckOpen(isShort bool, size, collateral, sideOI fixed.Int) error {
	if l == nil {
		return nil
	}

	// 1. Leverage: notional in quote units against collateral.
	if l.MaxLeverage > 0 {
		notional := fixed.NotionalToQuote(size)
		ceiling := collateral.Mul(fixed.New(l.MaxLeverage))
		if notional.GreaterThan(ceiling) {
			return fmt.Errorf("%w: %s notional on %s collateral (max %dx)",
				ErrLeverageExceeded, notional.Shift(fixed.QuoteDecimals), collateral.Shift(fixed.QuoteDecimals), l.MaxLeverage)
		}
	}

	// 2. Side open interest.
	limit := l.MaxLongOI
	side := "long"
	if isShort {
		limit = l.MaxShortOI
		side = "short"
	}
	if limit.IsPositive() && sideOI.Add(size).GreaterThan(limit) {
		return fmt.Errorf("%w: %s open interest would reach %s (cap %s)",
			ErrOpenInterestCapExceeded, side, sideOI.Add(size).Shift(fixed.Decimals), limit.Shift(fixed.Decimals))
	}

	return nil
}
