package risk

import (
	"errors"
	"testing"

	"github.com/optionperps/engine/internal/fixed"
)

func usd(v int64) fixed.Int  { return fixed.Units(v, fixed.Decimals) }
func usdc(v int64) fixed.Int { return fixed.Units(v, fixed.QuoteDecimals) }

func TestCheckOpen_WithinLimits(t *testing.T) {
	limiter := NewLimiter(10, usd(100_000), usd(100_000))

	err := limiter.CheckOpen(false, usd(1000), usdc(500), usd(0))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOpen_LeverageExceeded(t *testing.T) {
	limiter := NewLimiter(10, fixed.Zero, fixed.Zero)

	// 1000 notional on 99 collateral is just over 10x.
	err := limiter.CheckOpen(true, usd(1000), usdc(99), usd(0))
	if !errors.Is(err, ErrLeverageExceeded) {
		t.Errorf("expected ErrLeverageExceeded, got %v", err)
	}

	// Exactly 10x is allowed.
	if err := limiter.CheckOpen(true, usd(1000), usdc(100), usd(0)); err != nil {
		t.Errorf("expected no error at the limit, got %v", err)
	}
}

func TestCheckOpen_LongCapExceeded(t *testing.T) {
	limiter := NewLimiter(0, usd(5000), usd(100_000))

	// Existing 4500 long OI + new 1000 = 5500 > 5000.
	err := limiter.CheckOpen(false, usd(1000), usdc(500), usd(4500))
	if !errors.Is(err, ErrOpenInterestCapExceeded) {
		t.Errorf("expected ErrOpenInterestCapExceeded, got %v", err)
	}
}

func TestCheckOpen_CapsAreSided(t *testing.T) {
	limiter := NewLimiter(0, usd(5000), usd(1000))

	// The long cap does not apply to shorts and vice versa.
	if err := limiter.CheckOpen(false, usd(3000), usdc(500), usd(0)); err != nil {
		t.Errorf("long within its cap, got %v", err)
	}
	if err := limiter.CheckOpen(true, usd(3000), usdc(500), usd(0)); !errors.Is(err, ErrOpenInterestCapExceeded) {
		t.Errorf("short above its cap, got %v", err)
	}
}

func TestCheckOpen_ZeroDisables(t *testing.T) {
	limiter := NewLimiter(0, fixed.Zero, fixed.Zero)

	err := limiter.CheckOpen(false, usd(1_000_000), usdc(1), usd(1_000_000_000))
	if err != nil {
		t.Errorf("disabled limiter should not reject, got %v", err)
	}
}

func TestCheckOpen_NilLimiter(t *testing.T) {
	var limiter *Limiter
	if err := limiter.CheckOpen(false, usd(1000), usdc(1), usd(0)); err != nil {
		t.Errorf("nil limiter should not reject, got %v", err)
	}
}
