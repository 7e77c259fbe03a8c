package oracle

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionperps/engine/internal/fixed"
)

// ErrInvalidStrike is returned when spot or strike is not positive.
var ErrInvalidStrike = errors.New("oracle: spot and strike must be positive")

const secondsPerYear = 365 * 24 * 60 * 60

// BlackScholes prices European options with the Black-Scholes formula.
//
// Internal transcendental math runs in float64; inputs and outputs are
// fixed-point and the result is truncated to 1e8. With a zero risk-free rate
// an at-the-money call and put have the same price.
type BlackScholes struct {
	// RiskFreeRate is an annual percentage times 1e8.
	RiskFreeRate fixed.Int
	// Now returns the pricing time. Defaults to time.Now.
	Now func() time.Time
}

// NewBlackScholes creates a pricer with the given risk-free rate.
func NewBlackScholes(riskFreeRate fixed.Int) *BlackScholes {
	return &BlackScholes{RiskFreeRate: riskFreeRate, Now: time.Now}
}

// OptionPrice returns the option premium per unit of base asset. An expired
// option is worth its intrinsic value.
func (b *BlackScholes) OptionPrice(_ context.Context, isPut bool, expiry time.Time, spot, strike, vol fixed.Int) (fixed.Int, error) {
	if !spot.IsPositive() || !strike.IsPositive() {
		return fixed.Zero, ErrInvalidStrike
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	s := spot.Float64()
	k := strike.Float64()
	t := expiry.Sub(now()).Seconds() / secondsPerYear
	sigma := vol.Float64() / 1e10 // percent * 1e8 -> fraction
	r := b.RiskFreeRate.Float64() / 1e10

	if t <= 0 || sigma <= 0 {
		intrinsic := s - k
		if isPut {
			intrinsic = k - s
		}
		if intrinsic < 0 {
			intrinsic = 0
		}
		return fixed.FromDecimal(decimal.NewFromFloat(intrinsic)), nil
	}

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r+sigma*sigma/2)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-r * t)

	var price float64
	if isPut {
		price = k*discount*normCDF(-d2) - s*normCDF(-d1)
	} else {
		price = s*normCDF(d1) - k*discount*normCDF(d2)
	}
	if price < 0 {
		price = 0
	}

	return fixed.FromDecimal(decimal.NewFromFloat(price)), nil
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
