package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
	"github.com/optionperps/engine/internal/risk"
	"github.com/optionperps/engine/internal/token"
)

// OpenPosition opens a leveraged position of size (USD notional, 1e8) backed
// by collateral (quote, 1e6). Shorts reserve size/100 of the quote pool,
// longs the base equivalent of size at the mark price.
func (e *Engine) OpenPosition(ctx context.Context, account string, isShort bool, size, collateral fixed.Int) (model.PerpPosition, error) {
	var pos model.PerpPosition
	err := e.run(ctx, "open_position", account, func(t *txn) error {
		p, err := e.openPosition(t, account, isShort, size, collateral)
		if err != nil {
			return err
		}
		pos = *p
		return nil
	})
	return pos, err
}

func (e *Engine) openPosition(t *txn, account string, isShort bool, size, collateral fixed.Int) (*model.PerpPosition, error) {
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidAmount)
	}
	if collateral.IsNegative() {
		return nil, fmt.Errorf("%w: collateral must not be negative", ErrInvalidAmount)
	}
	if !t.now.Before(e.epoch.Expiry) {
		return nil, fmt.Errorf("%w: epoch %d expired at %s", ErrEpochExpired, e.epoch.Current, e.epoch.Expiry)
	}

	price, err := e.markPrice(t.ctx)
	if err != nil {
		return nil, err
	}

	side := model.SideOf(isShort)
	l := e.ledger(side)

	// 1. Liquidity.
	reserve := fixed.NotionalToQuote(size)
	if !isShort {
		reserve = fixed.NotionalToBase(size, price)
	}
	if l.Available().LessThan(reserve) {
		return nil, fmt.Errorf("%w: %s pool has %s available, position needs %s",
			ErrInsufficientLiquidity, side, l.Available(), reserve)
	}

	// 2. Risk limits.
	if err := e.limiter.CheckOpen(isShort, size, collateral, l.OI); err != nil {
		if errors.Is(err, risk.ErrLeverageExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrUnderCollateralized, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInsufficientLiquidity, err)
	}

	// 3. Premium of the embedded ATM option.
	vol, err := e.c.Volatility.Volatility(t.ctx, price)
	if err != nil {
		return nil, fmt.Errorf("volatility: %w", err)
	}
	optionPrice, err := e.c.Premiums.OptionPrice(t.ctx, isShort, e.epoch.Expiry, price, price, vol)
	if err != nil {
		return nil, fmt.Errorf("option price: %w", err)
	}
	premium := fixed.MulDiv(optionPrice, size, price.Mul(fixed.OneHundred))

	// 4. Fees and minimum collateral.
	notional := fixed.NotionalToQuote(size)
	openingFees := fixed.Percent(notional, e.params.FeeOpenPosition)
	closingFees := fixed.Percent(notional, e.params.FeeClosePosition)
	minCollateral := premium.Mul(fixed.New(2)).Add(openingFees).Add(closingFees)
	if collateral.LessThan(minCollateral) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientCollateral, collateral, minCollateral)
	}

	positions := fixed.MulDiv(size, fixed.Scale, price)

	// 5. Ledger.
	l = t.ledger(side)
	first := l.Positions.IsZero()
	l.Margin = l.Margin.Add(collateral)
	l.OI = l.OI.Add(size)
	l.Premium = l.Premium.Add(premium)
	l.OpeningFees = l.OpeningFees.Add(openingFees)
	l.ActiveDeposits = l.ActiveDeposits.Add(reserve)
	l.Positions = l.Positions.Add(positions)
	l.PositionCount++
	if first {
		l.AverageOpenPrice = price
	} else {
		l.AverageOpenPrice = averageOpenPrice(l)
	}

	t.message = "position opened"
	t.record("size", size)
	t.record("collateral", collateral)
	t.record("price", price)
	t.record("premium", premium)
	t.record("opening_fees", openingFees)

	// 6. Collaborators: collateral in, longs swap it into the base asset,
	// ownership last.
	if err := e.pull(t, true, account, collateral); err != nil {
		return nil, err
	}
	if !isShort {
		if err := e.swapExactOut(t, token.Quote, token.Base, fixed.QuoteToBase(collateral, price)); err != nil {
			return nil, err
		}
	}
	id, err := e.c.Perps.Mint(t.ctx, account)
	if err != nil {
		return nil, fmt.Errorf("mint position: %w", err)
	}

	p := &model.PerpPosition{
		ID:               id,
		Owner:            account,
		IsOpen:           true,
		IsShort:          isShort,
		Positions:        positions,
		Size:             size,
		AverageOpenPrice: price,
		Margin:           collateral,
		Premium:          premium,
		OpeningFees:      openingFees,
		ClosingFees:      closingFees,
		Epoch:            e.epoch.Current,
		OpenedAt:         t.now,
	}
	t.addPosition(p)
	t.ref = id
	return p, nil
}

// ownedOpenPosition loads an open position and checks caller owns it.
func (e *Engine) ownedOpenPosition(t *txn, caller string, id uint64) (*model.PerpPosition, error) {
	p, ok := t.position(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if !p.IsOpen {
		return nil, fmt.Errorf("%w: %d", ErrPositionClosed, id)
	}
	owner, err := e.c.Perps.OwnerOf(t.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("owner of position %d: %w", id, err)
	}
	if owner != caller {
		return nil, fmt.Errorf("%w: position %d", ErrNotOwner, id)
	}
	return p, nil
}

// ClosePosition closes a collateralized position and pays the proceeds in the
// quote asset. It fails with ErrAmountOutTooLow when proceeds are below
// minAmountOut.
func (e *Engine) ClosePosition(ctx context.Context, caller string, id uint64, minAmountOut fixed.Int) (fixed.Int, error) {
	var proceeds fixed.Int
	err := e.run(ctx, "close_position", caller, func(t *txn) error {
		var err error
		proceeds, err = e.closePosition(t, caller, id, minAmountOut)
		return err
	})
	if err != nil {
		return fixed.Zero, err
	}
	return proceeds, nil
}

func (e *Engine) closePosition(t *txn, caller string, id uint64, minAmountOut fixed.Int) (fixed.Int, error) {
	p, err := e.ownedOpenPosition(t, caller, id)
	if err != nil {
		return fixed.Zero, err
	}
	price, err := e.markPrice(t.ctx)
	if err != nil {
		return fixed.Zero, err
	}

	v := e.value(p, price, t.now)
	if !v.IsCollateralized {
		return fixed.Zero, fmt.Errorf("%w: position %d at %s", ErrNotCollateralized, id, price)
	}

	// Pool absorbs the trader's loss, pays the gain, keeps funding and fee.
	side := p.Side()
	delta := v.Pnl.Neg().Add(v.Funding).Add(v.ClosingFee)
	if !p.IsShort {
		delta = fixed.QuoteToBase(delta, price)
	}

	l := t.ledger(side)
	l.TotalDeposits = l.TotalDeposits.Add(delta)
	l.ClosingFees = l.ClosingFees.Add(v.ClosingFee)
	l.Funding = l.Funding.Add(v.Funding)
	release(l, p)

	if l.Available().IsNegative() {
		return fixed.Zero, fmt.Errorf("%w: %s pool cannot cover pnl %s", ErrInsufficientLiquidity, side, v.Pnl)
	}

	toTransfer := p.Margin.Add(v.Pnl).Sub(p.Premium).Sub(p.OpeningFees).Sub(v.ClosingFee).Sub(v.Funding)
	if toTransfer.LessThan(minAmountOut) {
		return fixed.Zero, fmt.Errorf("%w: proceeds %s, minimum %s", ErrAmountOutTooLow, toTransfer, minAmountOut)
	}

	p.IsOpen = false
	p.Pnl = v.Pnl
	p.Funding = v.Funding
	p.ClosingFees = v.ClosingFee
	p.ClosedAt = t.now

	t.message = "position closed"
	t.ref = id
	t.record("price", price)
	t.record("pnl", v.Pnl)
	t.record("funding", v.Funding)
	t.record("closing_fees", v.ClosingFee)
	t.record("proceeds", toTransfer)

	if err := e.payQuote(t, !p.IsShort, caller, toTransfer); err != nil {
		return fixed.Zero, err
	}
	return fixed.Max(toTransfer, fixed.Zero), nil
}

// release removes p from the side ledger: reserved liquidity, margin, open
// interest and position count. AverageOpenPrice is re-derived, or zeroed
// when the side has no positions left.
func release(l *model.PoolLedger, p *model.PerpPosition) {
	reserve := fixed.NotionalToQuote(p.Size)
	if !p.IsShort {
		reserve = fixed.NotionalToBase(p.Size, p.AverageOpenPrice)
	}
	l.ActiveDeposits = l.ActiveDeposits.Sub(reserve)
	l.Margin = l.Margin.Sub(p.Margin)
	l.OI = l.OI.Sub(p.Size)
	l.Positions = l.Positions.Sub(p.Positions)
	l.PositionCount--

	if l.Positions.IsZero() {
		l.AverageOpenPrice = fixed.Zero
	} else {
		l.AverageOpenPrice = averageOpenPrice(l)
	}
}

func averageOpenPrice(l *model.PoolLedger) fixed.Int {
	return fixed.MulDiv(l.OI, fixed.Scale, l.Positions)
}

// AddCollateral posts amount (quote) of extra margin to a position.
func (e *Engine) AddCollateral(ctx context.Context, caller string, id uint64, amount fixed.Int) (model.PerpPosition, error) {
	if !amount.IsPositive() {
		return model.PerpPosition{}, fmt.Errorf("%w: collateral must be positive", ErrInvalidAmount)
	}

	var pos model.PerpPosition
	err := e.run(ctx, "add_collateral", caller, func(t *txn) error {
		p, err := e.ownedOpenPosition(t, caller, id)
		if err != nil {
			return err
		}

		p.Margin = p.Margin.Add(amount)
		l := t.ledger(p.Side())
		l.Margin = l.Margin.Add(amount)

		t.message = "collateral added"
		t.ref = id
		t.record("amount", amount)
		t.record("margin", p.Margin)

		if err := e.pull(t, true, caller, amount); err != nil {
			return err
		}
		if !p.IsShort {
			price, err := e.markPrice(t.ctx)
			if err != nil {
				return err
			}
			if err := e.swapExactOut(t, token.Quote, token.Base, fixed.QuoteToBase(amount, price)); err != nil {
				return err
			}
		}
		pos = *p
		return nil
	})
	return pos, err
}

// ReduceCollateral withdraws amount (quote) of margin. The position must
// remain collateralized afterwards.
func (e *Engine) ReduceCollateral(ctx context.Context, caller string, id uint64, amount, minAmountOut fixed.Int) (model.PerpPosition, error) {
	if !amount.IsPositive() {
		return model.PerpPosition{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	var pos model.PerpPosition
	err := e.run(ctx, "reduce_collateral", caller, func(t *txn) error {
		p, err := e.ownedOpenPosition(t, caller, id)
		if err != nil {
			return err
		}
		if amount.GreaterThan(p.Margin) {
			return fmt.Errorf("%w: margin is %s", ErrInvalidAmount, p.Margin)
		}
		if amount.LessThan(minAmountOut) {
			return fmt.Errorf("%w: amount %s, minimum %s", ErrAmountOutTooLow, amount, minAmountOut)
		}
		price, err := e.markPrice(t.ctx)
		if err != nil {
			return err
		}

		p.Margin = p.Margin.Sub(amount)
		l := t.ledger(p.Side())
		l.Margin = l.Margin.Sub(amount)

		if v := e.value(p, price, t.now); !v.IsCollateralized {
			return fmt.Errorf("%w: position %d after removing %s", ErrNotCollateralized, id, amount)
		}

		t.message = "collateral reduced"
		t.ref = id
		t.record("amount", amount)
		t.record("margin", p.Margin)

		if err := e.payQuote(t, !p.IsShort, caller, amount); err != nil {
			return err
		}
		pos = *p
		return nil
	})
	return pos, err
}

// ChangePositionSize closes a position and reopens it in the same direction
// with newSize and collateral, as one operation. PnL is realized at the
// close step.
func (e *Engine) ChangePositionSize(ctx context.Context, caller string, id uint64, newSize, collateral, minAmountOut fixed.Int) (model.PerpPosition, fixed.Int, error) {
	var pos model.PerpPosition
	var proceeds fixed.Int
	err := e.run(ctx, "change_position_size", caller, func(t *txn) error {
		old, ok := e.positions[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrPositionNotFound, id)
		}
		isShort := old.IsShort

		var err error
		proceeds, err = e.closePosition(t, caller, id, minAmountOut)
		if err != nil {
			return err
		}
		p, err := e.openPosition(t, caller, isShort, newSize, collateral)
		if err != nil {
			return err
		}

		t.message = "position size changed"
		t.ref = p.ID
		t.record("closed_id", fixed.New(int64(id)))
		pos = *p
		return nil
	})
	if err != nil {
		return model.PerpPosition{}, fixed.Zero, err
	}
	return pos, proceeds, nil
}

// Liquidate closes an undercollateralized position. The liquidation fee goes
// to caller, the rest of the margin and the reserved size return to the pool,
// and the owner receives an option on the liquidated exposure for the current
// epoch. Anyone may call it.
func (e *Engine) Liquidate(ctx context.Context, caller string, id uint64) (model.OptionPosition, fixed.Int, error) {
	var opt model.OptionPosition
	var fee fixed.Int
	err := e.run(ctx, "liquidate", caller, func(t *txn) error {
		p, ok := t.position(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrPositionNotFound, id)
		}
		if !p.IsOpen {
			return fmt.Errorf("%w: %d", ErrPositionClosed, id)
		}
		price, err := e.markPrice(t.ctx)
		if err != nil {
			return err
		}
		v := e.value(p, price, t.now)
		if v.IsCollateralized {
			return fmt.Errorf("%w: position %d at %s", ErrPositionCollateralized, id, price)
		}
		owner, err := e.c.Perps.OwnerOf(t.ctx, id)
		if err != nil {
			return fmt.Errorf("owner of position %d: %w", id, err)
		}

		fee = fixed.Percent(p.Margin, e.params.FeeLiquidation)
		credit := fixed.NotionalToQuote(p.Size).Add(p.Margin).Sub(fee)
		if !p.IsShort {
			credit = fixed.QuoteToBase(credit, price)
		}

		l := t.ledger(p.Side())
		l.TotalDeposits = l.TotalDeposits.Add(credit)
		release(l, p)

		p.IsOpen = false
		p.Liquidated = true
		p.Pnl = v.Pnl
		p.Funding = v.Funding
		p.ClosedAt = t.now

		t.message = "position liquidated"
		t.ref = id
		t.record("price", price)
		t.record("pnl", v.Pnl)
		t.record("liquidation_fee", fee)
		t.record("pool_credit", credit)

		if err := e.payQuote(t, !p.IsShort, caller, fee); err != nil {
			return err
		}

		optionID, err := e.c.Options.Mint(t.ctx, owner)
		if err != nil {
			return fmt.Errorf("mint option: %w", err)
		}
		o := &model.OptionPosition{
			ID:        optionID,
			Owner:     owner,
			PerpID:    id,
			IsPut:     p.IsShort,
			Amount:    p.Positions,
			Strike:    p.AverageOpenPrice,
			Epoch:     e.epoch.Current,
			CreatedAt: t.now,
		}
		t.addOption(o)
		t.record("option_id", fixed.New(int64(optionID)))
		opt = *o
		return nil
	})
	if err != nil {
		return model.OptionPosition{}, fixed.Zero, err
	}
	return opt, fee, nil
}
