package engine

import (
	"time"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
)

const secondsPerYear = 365 * 24 * 60 * 60

var (
	// hundredScale divides a product of two 1e8 values down to quote units.
	hundredScale   = fixed.Scale.Mul(fixed.OneHundred)
	fundingDivisor = hundredPercent.Mul(fixed.New(secondsPerYear))
)

// valuation is the live state of one open position at a mark price.
// Every amount is quote (1e6) except LiquidationPrice (1e8).
type valuation struct {
	Value            fixed.Int
	Pnl              fixed.Int
	Funding          fixed.Int
	ClosingFee       fixed.Int
	NetMargin        fixed.Int
	NetMarginAfter   fixed.Int // after the liquidation threshold haircut
	LiquidationPrice fixed.Int
	IsCollateralized bool
}

// positionValue is the quote value of the position at price.
func positionValue(p *model.PerpPosition, price fixed.Int) fixed.Int {
	return fixed.MulDiv(p.Positions, price, hundredScale)
}

// positionPnl is the trader's unrealized profit at price: shorts gain when the
// price falls, longs when it rises.
func positionPnl(p *model.PerpPosition, price fixed.Int) fixed.Int {
	notional := fixed.NotionalToQuote(p.Size)
	value := positionValue(p, price)
	if p.IsShort {
		return notional.Sub(value)
	}
	return value.Sub(notional)
}

// fundingRate is the annualized rate paid by a position on the given side.
// Shorts pay on longOI/shortOI and longs on shortOI/longOI: the ratio drives
// a linear interpolation between the min and max rate and saturates at the
// max above 1, so a side pays more the more the other side is crowded.
func (e *Engine) fundingRate(isShort bool) fixed.Int {
	// The base pool backs longs and the quote pool backs shorts.
	num, den := e.quote.OI, e.base.OI
	if isShort {
		num, den = e.base.OI, e.quote.OI
	}

	lo, hi := e.params.MinFundingRate, e.params.MaxFundingRate
	if den.IsZero() {
		return hi
	}
	ratio := fixed.MulDiv(num, fixed.Scale, den)
	if ratio.GreaterThanOrEqual(fixed.Scale) {
		return hi
	}
	return lo.Add(fixed.MulDiv(hi.Sub(lo), ratio, fixed.Scale))
}

// positionFunding accrues linearly on the borrowed notional (size beyond the
// posted margin) since the position was opened.
func (e *Engine) positionFunding(p *model.PerpPosition, now time.Time) fixed.Int {
	borrowed := fixed.NotionalToQuote(p.Size).Sub(p.Margin)
	if !borrowed.IsPositive() {
		return fixed.Zero
	}
	elapsed := int64(now.Sub(p.OpenedAt) / time.Second)
	if elapsed <= 0 {
		return fixed.Zero
	}
	rate := e.fundingRate(p.IsShort)
	return fixed.MulDiv(borrowed.Mul(rate), fixed.New(elapsed), fundingDivisor)
}

// closingFee is charged on the notional plus pnl at close. Never negative.
func (e *Engine) closingFee(p *model.PerpPosition, pnl fixed.Int) fixed.Int {
	fee := fixed.Percent(fixed.NotionalToQuote(p.Size).Add(pnl), e.params.FeeClosePosition)
	return fixed.Max(fee, fixed.Zero)
}

// haircut applies the liquidation threshold to a net margin.
func (e *Engine) haircut(netMargin fixed.Int) fixed.Int {
	return fixed.MulDiv(netMargin, hundredPercent.Sub(e.params.LiquidationThreshold), hundredPercent)
}

// value computes the live valuation of p. It reads the pool ledgers for the
// funding rate, so callers must hold e.mu.
func (e *Engine) value(p *model.PerpPosition, price fixed.Int, now time.Time) valuation {
	var v valuation
	v.Value = positionValue(p, price)
	v.Pnl = positionPnl(p, price)
	v.Funding = e.positionFunding(p, now)
	v.ClosingFee = e.closingFee(p, v.Pnl)
	v.NetMargin = p.Margin.Sub(p.Premium).Sub(p.OpeningFees).Sub(v.ClosingFee).Sub(v.Funding)
	v.NetMarginAfter = e.haircut(v.NetMargin)
	v.IsCollateralized = !v.NetMarginAfter.Add(v.Pnl).IsNegative()
	v.LiquidationPrice = liquidationPrice(p, v.NetMarginAfter)
	return v
}

// liquidationPrice solves netMarginAfter + pnl(price) == 0 for price.
func liquidationPrice(p *model.PerpPosition, netMarginAfter fixed.Int) fixed.Int {
	if p.Positions.IsZero() {
		return fixed.Zero
	}
	entry := fixed.MulDiv(p.Size, fixed.Scale, p.Positions)
	delta := fixed.MulDiv(netMarginAfter, hundredScale, p.Positions)
	if p.IsShort {
		return entry.Add(delta)
	}
	return fixed.Max(entry.Sub(delta), fixed.Zero)
}

// unrealizedPnl is the open profit of the traders LPs of the given pool are
// exposed to, in that pool's asset. A quote deposit is priced against the
// longs, a base deposit against the shorts.
func (e *Engine) unrealizedPnl(isQuote bool, price fixed.Int) fixed.Int {
	if isQuote {
		longs := e.base
		pnl := fixed.MulDiv(price.Sub(longs.AverageOpenPrice), longs.Positions, fixed.Scale)
		return fixed.NotionalToQuote(pnl)
	}
	shorts := e.quote
	pnl := fixed.MulDiv(shorts.AverageOpenPrice.Sub(price), shorts.Positions, fixed.Scale)
	return fixed.NotionalToBase(pnl, price)
}

// netDeposits is a pool's deposits net of what its LPs owe traders.
func (e *Engine) netDeposits(isQuote bool, price fixed.Int) fixed.Int {
	l := e.ledger(model.SideOf(isQuote))
	return l.TotalDeposits.Sub(e.unrealizedPnl(isQuote, price))
}
