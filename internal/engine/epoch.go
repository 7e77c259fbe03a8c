package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
)

// UpdateEpoch concludes the current epoch once it has expired: the mark price
// is frozen as the epoch's expiry price and the next epoch starts, expiring
// at nextExpiry. Admin only.
func (e *Engine) UpdateEpoch(ctx context.Context, caller string, nextExpiry time.Time) (model.EpochState, error) {
	var state model.EpochState
	err := e.run(ctx, "update_epoch", caller, func(t *txn) error {
		if caller != e.params.Admin {
			return fmt.Errorf("%w: %s", ErrNotAdmin, caller)
		}
		if t.now.Before(e.epoch.Expiry) {
			return fmt.Errorf("%w: epoch %d expires at %s", ErrEpochNotExpired, e.epoch.Current, e.epoch.Expiry.Format(time.RFC3339))
		}
		if !nextExpiry.After(t.now) {
			return fmt.Errorf("%w: %s", ErrInvalidExpiry, nextExpiry.Format(time.RFC3339))
		}
		price, err := e.markPrice(t.ctx)
		if err != nil {
			return err
		}

		ep := t.epochState()
		concluded := ep.Current
		if ep.ExpiryPrices == nil {
			ep.ExpiryPrices = make(map[int64]fixed.Int)
		}
		if ep.Expiries == nil {
			ep.Expiries = make(map[int64]time.Time)
		}
		ep.ExpiryPrices[concluded] = price
		ep.Expiries[concluded] = ep.Expiry
		ep.Current++
		ep.Expiry = nextExpiry.UTC()

		t.message = "epoch updated"
		t.ref = uint64(concluded)
		t.record("expiry_price", price)
		t.note("next_expiry", ep.Expiry.Format(time.RFC3339))

		state = ep.Clone()
		return nil
	})
	return state, err
}

// Settle pays out an option whose epoch has concluded. Puts are paid in the
// quote asset from the quote pool, calls in the base asset from the base pool.
// Options with non-positive pnl cannot be settled.
func (e *Engine) Settle(ctx context.Context, caller string, optionID uint64) (fixed.Int, error) {
	var payout fixed.Int
	err := e.run(ctx, "settle", caller, func(t *txn) error {
		o, ok := t.option(optionID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrOptionNotFound, optionID)
		}
		if o.IsSettled {
			return fmt.Errorf("%w: %d", ErrAlreadySettled, optionID)
		}
		if o.Epoch >= e.epoch.Current {
			return fmt.Errorf("%w: option %d belongs to epoch %d", ErrSettleTooEarly, optionID, o.Epoch)
		}
		owner, err := e.c.Options.OwnerOf(t.ctx, optionID)
		if err != nil {
			return fmt.Errorf("owner of option %d: %w", optionID, err)
		}
		if owner != caller {
			return fmt.Errorf("%w: option %d", ErrNotOwner, optionID)
		}

		expiryPrice, ok := e.epoch.ExpiryPrices[o.Epoch]
		if !ok {
			return fmt.Errorf("%w: no expiry price for epoch %d", ErrSettleTooEarly, o.Epoch)
		}
		pnl := optionPnl(o, expiryPrice)
		if !pnl.IsPositive() {
			return fmt.Errorf("%w: option %d pnl %s", ErrNegativePnl, optionID, pnl)
		}

		payout = pnl
		if !o.IsPut {
			payout = fixed.QuoteToBase(pnl, expiryPrice)
		}

		side := model.SideOf(o.IsPut)
		l := t.ledger(side)
		l.TotalDeposits = l.TotalDeposits.Sub(payout)
		if l.Available().IsNegative() {
			return fmt.Errorf("%w: %s pool cannot pay %s", ErrInsufficientLiquidity, side, payout)
		}

		o.IsSettled = true
		o.Payout = payout
		o.SettledAt = t.now

		t.message = "option settled"
		t.ref = optionID
		t.record("expiry_price", expiryPrice)
		t.record("pnl", pnl)
		t.record("payout", payout)

		return e.pay(t, o.IsPut, caller, payout)
	})
	if err != nil {
		return fixed.Zero, err
	}
	return payout, nil
}

// optionPnl is the quote (1e6) value of o at expiryPrice.
func optionPnl(o *model.OptionPosition, expiryPrice fixed.Int) fixed.Int {
	diff := expiryPrice.Sub(o.Strike)
	if o.IsPut {
		diff = diff.Neg()
	}
	return fixed.MulDiv(diff, o.Amount, hundredScale)
}
