package token

import (
	"context"
	"fmt"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/oracle"
)

// MarkSwapRouter swaps between the two in-memory ledgers at the oracle mark
// price with unlimited depth: the input is burned and the output minted. It
// stands in for an external AMM in the dev server and tests. Inputs are
// rounded up so the router never gives away dust.
type MarkSwapRouter struct {
	quote *Ledger
	base  *Ledger
	feed  oracle.PriceFeed
}

// NewMarkSwapRouter creates a router over the quote and base ledgers.
func NewMarkSwapRouter(quote, base *Ledger, feed oracle.PriceFeed) *MarkSwapRouter {
	return &MarkSwapRouter{quote: quote, base: base, feed: feed}
}

func (r *MarkSwapRouter) SwapExactOut(ctx context.Context, account string, from, to Asset, amountOut fixed.Int) (fixed.Int, error) {
	if amountOut.IsNegative() {
		return fixed.Zero, ErrInvalidAmount
	}
	if amountOut.IsZero() {
		return fixed.Zero, nil
	}

	price, err := r.feed.MarkPrice(ctx)
	if err != nil {
		return fixed.Zero, fmt.Errorf("swap: %w", err)
	}

	var in, out *Ledger
	var amountIn fixed.Int
	hundredBase := fixed.BaseScale.Mul(fixed.OneHundred)

	switch {
	case from == Quote && to == Base:
		in, out = r.quote, r.base
		amountIn = fixed.MulDivUp(amountOut, price, hundredBase)
	case from == Base && to == Quote:
		in, out = r.base, r.quote
		amountIn = fixed.MulDivUp(amountOut, hundredBase, price)
	default:
		return fixed.Zero, fmt.Errorf("%w: %s -> %s", ErrUnknownAsset, from, to)
	}

	if err := in.BurnFrom(ctx, account, amountIn); err != nil {
		return fixed.Zero, fmt.Errorf("swap: %w", err)
	}
	if err := out.Mint(ctx, account, amountOut); err != nil {
		return fixed.Zero, fmt.Errorf("swap: %w", err)
	}
	return amountIn, nil
}
