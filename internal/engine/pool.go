package engine

import (
	"context"
	"fmt"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
)

// Deposit adds amountIn of the pool's own asset (quote 1e6 or base 1e18) and
// mints LP shares to account. Shares are priced against deposits net of
// unrealized trader pnl, while TotalDeposits grows by the raw amountIn.
func (e *Engine) Deposit(ctx context.Context, account string, isQuote bool, amountIn fixed.Int) (fixed.Int, error) {
	if !amountIn.IsPositive() {
		return fixed.Zero, fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}

	var shares fixed.Int
	err := e.run(ctx, "deposit", account, func(t *txn) error {
		price, err := e.markPrice(ctx)
		if err != nil {
			return err
		}
		shares, err = e.calcLpAmount(ctx, isQuote, amountIn, price)
		if err != nil {
			return err
		}

		l := t.ledger(model.SideOf(isQuote))
		l.TotalDeposits = l.TotalDeposits.Add(amountIn)

		t.message = "liquidity deposited"
		t.note("side", string(model.SideOf(isQuote)))
		t.record("amount_in", amountIn)
		t.record("shares", shares)

		if err := e.pull(t, isQuote, account, amountIn); err != nil {
			return err
		}
		return e.mintShares(t, isQuote, account, shares)
	})
	if err != nil {
		return fixed.Zero, err
	}
	return shares, nil
}

// CalcLpAmount previews the LP shares a deposit of amountIn would mint.
func (e *Engine) CalcLpAmount(ctx context.Context, isQuote bool, amountIn fixed.Int) (fixed.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	price, err := e.markPrice(ctx)
	if err != nil {
		return fixed.Zero, err
	}
	return e.calcLpAmount(ctx, isQuote, amountIn, price)
}

// calcLpAmount must be called with e.mu held. The first depositor, and any
// depositor into a pool with no net deposits or no shares outstanding, gets
// shares 1:1.
func (e *Engine) calcLpAmount(ctx context.Context, isQuote bool, amountIn, price fixed.Int) (fixed.Int, error) {
	supply, err := e.lpLedger(isQuote).TotalSupply(ctx)
	if err != nil {
		return fixed.Zero, fmt.Errorf("LP supply: %w", err)
	}

	deposits := e.netDeposits(isQuote, price)
	if deposits.IsZero() || supply.IsZero() {
		return amountIn, nil
	}
	if deposits.IsNegative() {
		return fixed.Zero, fmt.Errorf("%w: %s pool deposits net of trader pnl are %s",
			ErrInsufficientLiquidity, model.SideOf(isQuote), deposits)
	}
	return fixed.MulDiv(amountIn, supply, deposits), nil
}
