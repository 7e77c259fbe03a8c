// Package fixed implements the scaled-integer arithmetic used by the pool and
// position accounting.
//
// Three scales coexist:
//   - Scale (1e8): prices, USD notional ("size") and position counts
//   - QuoteScale (1e6): quote-asset amounts (USDC-like)
//   - BaseScale (1e18): base-asset amounts (ETH-like)
//
// An Int is always integer-valued. Quo truncates toward zero, exactly like
// integer division in the ledger it mirrors. The dust this leaves behind is
// part of the accounting model and is never rounded away.
//
// Values are backed by shopspring/decimal so they are arbitrary precision and
// serialize as JSON strings.
package fixed

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Decimals is the exponent of Scale.
	Decimals int32 = 8
	// QuoteDecimals is the exponent of QuoteScale.
	QuoteDecimals int32 = 6
	// BaseDecimals is the exponent of BaseScale.
	BaseDecimals int32 = 18
)

var (
	// ErrNotInteger is returned when parsing a value with a fractional part.
	ErrNotInteger = errors.New("fixed: value must be an integer")

	Zero       = Int{}
	One        = New(1)
	OneHundred = New(100)

	Scale      = Pow10(Decimals)
	QuoteScale = Pow10(QuoteDecimals)
	BaseScale  = Pow10(BaseDecimals)

	// percentDivisor converts a percent-times-Scale rate into a fraction.
	percentDivisor = OneHundred.Mul(Scale)
)

// Int is a signed, arbitrary precision integer carrying an implied scale.
// The zero value is 0.
type Int struct {
	d decimal.Decimal
}

// New returns v as an Int.
func New(v int64) Int {
	return Int{d: decimal.NewFromInt(v)}
}

// Pow10 returns 10^n.
func Pow10(n int32) Int {
	return Int{d: decimal.New(1, n)}
}

// FromDecimal truncates d toward zero.
func FromDecimal(d decimal.Decimal) Int {
	return Int{d: d.Truncate(0)}
}

// Parse reads a base-10 integer string.
func Parse(s string) (Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return Zero, fmt.Errorf("%w: %s", ErrNotInteger, s)
	}
	return Int{d: d}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Units returns whole * 10^decimals, e.g. Units(1000, Decimals) is a price of 1000.
func Units(whole int64, decimals int32) Int {
	return New(whole).Mul(Pow10(decimals))
}

func (a Int) Add(b Int) Int { return Int{d: a.d.Add(b.d)} }
func (a Int) Sub(b Int) Int { return Int{d: a.d.Sub(b.d)} }
func (a Int) Mul(b Int) Int { return Int{d: a.d.Mul(b.d)} }
func (a Int) Neg() Int      { return Int{d: a.d.Neg()} }
func (a Int) Abs() Int      { return Int{d: a.d.Abs()} }

// Quo returns a/b truncated toward zero. It panics if b is zero; callers guard
// every division whose divisor can reach zero.
func (a Int) Quo(b Int) Int {
	q, _ := a.d.QuoRem(b.d, 0)
	return Int{d: q}
}

// MulDiv returns a*b/c, truncated toward zero, without intermediate rounding.
func MulDiv(a, b, c Int) Int {
	return a.Mul(b).Quo(c)
}

// MulDivUp returns a*b/c rounded away from zero. Used where the counterparty
// must never be short-changed by truncation (swap inputs).
func MulDivUp(a, b, c Int) Int {
	q, r := a.d.Mul(b.d).QuoRem(c.d, 0)
	if r.IsZero() {
		return Int{d: q}
	}
	if q.Sign() < 0 || (q.IsZero() && r.Sign()*c.d.Sign() < 0) {
		return Int{d: q.Sub(decimal.NewFromInt(1))}
	}
	return Int{d: q.Add(decimal.NewFromInt(1))}
}

func (a Int) Cmp(b Int) int                 { return a.d.Cmp(b.d) }
func (a Int) Sign() int                     { return a.d.Sign() }
func (a Int) IsZero() bool                  { return a.d.IsZero() }
func (a Int) IsPositive() bool              { return a.d.IsPositive() }
func (a Int) IsNegative() bool              { return a.d.IsNegative() }
func (a Int) Equal(b Int) bool              { return a.d.Equal(b.d) }
func (a Int) LessThan(b Int) bool           { return a.d.LessThan(b.d) }
func (a Int) LessThanOrEqual(b Int) bool    { return a.d.LessThanOrEqual(b.d) }
func (a Int) GreaterThan(b Int) bool        { return a.d.GreaterThan(b.d) }
func (a Int) GreaterThanOrEqual(b Int) bool { return a.d.GreaterThanOrEqual(b.d) }

// Decimal exposes the underlying value.
func (a Int) Decimal() decimal.Decimal { return a.d }

// Int64 returns the value as int64. Values outside the int64 range wrap.
func (a Int) Int64() int64 { return a.d.IntPart() }

// Float64 is for transcendental math only (premium pricing), never for money.
func (a Int) Float64() float64 { return a.d.InexactFloat64() }

func (a Int) String() string { return a.d.String() }

// Shift renders a as a human decimal, e.g. Units(1500, 8).Shift(8) == "1500".
func (a Int) Shift(decimals int32) string {
	return a.d.Shift(-decimals).String()
}

// MarshalJSON writes the integer as a JSON string to keep full precision.
func (a Int) MarshalJSON() ([]byte, error) {
	return a.d.MarshalJSON()
}

// UnmarshalJSON accepts a quoted or bare integer.
func (a *Int) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	if !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("%w: %s", ErrNotInteger, d.String())
	}
	a.d = d
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Int) Int {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Int) Int {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Percent applies a rate expressed in percent times Scale (0.25% == 25_000_000).
func Percent(amount, rate Int) Int {
	return MulDiv(amount, rate, percentDivisor)
}

// NotionalToQuote converts a USD notional at Scale (1e8) into quote units (1e6).
func NotionalToQuote(size Int) Int {
	return size.Quo(OneHundred)
}

// QuoteToBase converts a quote amount (1e6) into base units (1e18) at price (1e8).
// Price must be positive.
func QuoteToBase(amount, price Int) Int {
	return MulDiv(amount, BaseScale.Mul(OneHundred), price)
}

// BaseToQuote converts a base amount (1e18) into quote units (1e6) at price (1e8).
func BaseToQuote(amount, price Int) Int {
	return MulDiv(amount, price, BaseScale.Mul(OneHundred))
}

// NotionalToBase converts a USD notional (1e8) into base units (1e18) at price (1e8).
func NotionalToBase(size, price Int) Int {
	return MulDiv(size, BaseScale, price)
}
