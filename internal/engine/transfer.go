package engine

import (
	"context"
	"fmt"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/token"
)

// The helpers below perform one collaborator call each and register its
// inverse on the transaction. Zero amounts are skipped.

// pull moves amount of the pool asset from account into the engine.
func (e *Engine) pull(t *txn, isQuote bool, from string, amount fixed.Int) error {
	if amount.IsZero() {
		return nil
	}
	ledger := e.tokenLedger(isQuote)
	if err := ledger.TransferFrom(t.ctx, from, e.params.Account, amount); err != nil {
		return fmt.Errorf("pull %s from %s: %w", assetOf(isQuote), from, err)
	}
	t.compensate(func(ctx context.Context) error {
		return ledger.Transfer(ctx, e.params.Account, from, amount)
	})
	return nil
}

// pay moves amount of the pool asset from the engine to account.
func (e *Engine) pay(t *txn, isQuote bool, to string, amount fixed.Int) error {
	if amount.IsZero() {
		return nil
	}
	ledger := e.tokenLedger(isQuote)
	if err := ledger.Transfer(t.ctx, e.params.Account, to, amount); err != nil {
		return fmt.Errorf("pay %s to %s: %w", assetOf(isQuote), to, err)
	}
	t.compensate(func(ctx context.Context) error {
		return ledger.TransferFrom(ctx, to, e.params.Account, amount)
	})
	return nil
}

// swapExactOut converts engine holdings of `from` into exactly amountOut of
// `to`. The compensation swaps the spent input back.
func (e *Engine) swapExactOut(t *txn, from, to token.Asset, amountOut fixed.Int) error {
	if amountOut.IsZero() {
		return nil
	}
	amountIn, err := e.c.Swap.SwapExactOut(t.ctx, e.params.Account, from, to, amountOut)
	if err != nil {
		return fmt.Errorf("swap %s to %s: %w", from, to, err)
	}
	t.record("swap_"+string(from)+"_in", amountIn)
	t.compensate(func(ctx context.Context) error {
		_, err := e.c.Swap.SwapExactOut(ctx, e.params.Account, to, from, amountIn)
		return err
	})
	return nil
}

// payQuote pays amount of the quote asset to account. When the funds sit in
// the base pool (longs) the base asset is swapped first.
func (e *Engine) payQuote(t *txn, fromBase bool, to string, amount fixed.Int) error {
	if !amount.IsPositive() {
		return nil
	}
	if fromBase {
		if err := e.swapExactOut(t, token.Base, token.Quote, amount); err != nil {
			return err
		}
	}
	return e.pay(t, true, to, amount)
}

func (e *Engine) mintShares(t *txn, isQuote bool, to string, shares fixed.Int) error {
	if shares.IsZero() {
		return nil
	}
	lp := e.lpLedger(isQuote)
	if err := lp.Mint(t.ctx, to, shares); err != nil {
		return fmt.Errorf("mint LP shares: %w", err)
	}
	t.compensate(func(ctx context.Context) error {
		return lp.BurnFrom(ctx, to, shares)
	})
	return nil
}

func (e *Engine) burnShares(t *txn, isQuote bool, owner string, shares fixed.Int) error {
	if shares.IsZero() {
		return nil
	}
	lp := e.lpLedger(isQuote)
	if err := lp.BurnFrom(t.ctx, owner, shares); err != nil {
		return fmt.Errorf("burn LP shares: %w", err)
	}
	t.compensate(func(ctx context.Context) error {
		return lp.Mint(ctx, owner, shares)
	})
	return nil
}

func assetOf(isQuote bool) token.Asset {
	if isQuote {
		return token.Quote
	}
	return token.Base
}
