package engine

import (
	"context"
	"fmt"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
	"github.com/optionperps/engine/internal/token"
)

// OpenWithdrawalRequest queues a withdrawal of amountIn LP shares. Anyone may
// complete it and earn the priority fee net of the withheld share.
func (e *Engine) OpenWithdrawalRequest(ctx context.Context, caller string, isQuote bool, amountIn, minAmountOut, priorityFee fixed.Int) (model.PendingWithdrawal, error) {
	var req model.PendingWithdrawal
	err := e.run(ctx, "open_withdrawal", caller, func(t *txn) error {
		w, err := e.openWithdrawal(t, caller, isQuote, amountIn, minAmountOut, priorityFee)
		if err != nil {
			return err
		}
		req = *w
		return nil
	})
	return req, err
}

func (e *Engine) openWithdrawal(t *txn, caller string, isQuote bool, amountIn, minAmountOut, priorityFee fixed.Int) (*model.PendingWithdrawal, error) {
	if !amountIn.IsPositive() {
		return nil, fmt.Errorf("%w: shares must be positive", ErrInvalidAmount)
	}
	if minAmountOut.IsNegative() || priorityFee.IsNegative() {
		return nil, fmt.Errorf("%w: minimum and priority fee must not be negative", ErrInvalidAmount)
	}

	balance, err := e.lpLedger(isQuote).BalanceOf(t.ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("LP balance: %w", err)
	}
	queued := e.queuedShares(caller, isQuote)
	if balance.LessThan(queued.Add(amountIn)) {
		return nil, fmt.Errorf("%w: %s holds %s shares, %s already queued, requested %s",
			token.ErrInsufficientBalance, caller, balance, queued, amountIn)
	}

	w := &model.PendingWithdrawal{
		ID:           e.nextWithdrawalID,
		User:         caller,
		IsQuote:      isQuote,
		AmountIn:     amountIn,
		MinAmountOut: minAmountOut,
		PriorityFee:  priorityFee,
		CreatedAt:    t.now,
	}
	e.nextWithdrawalID++
	t.addWithdrawal(w)

	t.message = "withdrawal requested"
	t.ref = w.ID
	t.note("side", string(model.SideOf(isQuote)))
	t.record("amount_in", amountIn)
	t.record("min_amount_out", minAmountOut)
	t.record("priority_fee", priorityFee)
	return w, nil
}

// queuedShares sums the shares caller already has in pending requests.
func (e *Engine) queuedShares(caller string, isQuote bool) fixed.Int {
	total := fixed.Zero
	for _, w := range e.withdrawals {
		if w.User == caller && w.IsQuote == isQuote {
			total = total.Add(w.AmountIn)
		}
	}
	return total
}

// CompleteWithdrawalRequest fulfils a pending request. Callable by anyone;
// the caller receives the priority fee minus the part withheld by the pool.
// Returns the amount paid to the requester.
func (e *Engine) CompleteWithdrawalRequest(ctx context.Context, caller string, id uint64) (fixed.Int, error) {
	var net fixed.Int
	err := e.run(ctx, "complete_withdrawal", caller, func(t *txn) error {
		var err error
		net, err = e.completeWithdrawal(t, caller, id)
		return err
	})
	if err != nil {
		return fixed.Zero, err
	}
	return net, nil
}

func (e *Engine) completeWithdrawal(t *txn, caller string, id uint64) (fixed.Int, error) {
	w, ok := t.withdrawal(id)
	if !ok {
		return fixed.Zero, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	price, err := e.markPrice(t.ctx)
	if err != nil {
		return fixed.Zero, err
	}
	supply, err := e.lpLedger(w.IsQuote).TotalSupply(t.ctx)
	if err != nil {
		return fixed.Zero, fmt.Errorf("LP supply: %w", err)
	}
	if !supply.IsPositive() {
		return fixed.Zero, fmt.Errorf("%w: no LP shares outstanding", ErrInsufficientLiquidity)
	}

	side := model.SideOf(w.IsQuote)
	deposits := e.netDeposits(w.IsQuote, price)
	amountOut := fixed.MulDiv(w.AmountIn, deposits, supply)

	l := t.ledger(side)
	if amountOut.GreaterThan(l.Available()) {
		return fixed.Zero, fmt.Errorf("%w: %s pool has %s available, withdrawal needs %s",
			ErrInsufficientLiquidity, side, l.Available(), amountOut)
	}
	if w.PriorityFee.GreaterThan(amountOut) {
		return fixed.Zero, fmt.Errorf("%w: priority fee %s exceeds amount out %s", ErrInsufficientAmountOut, w.PriorityFee, amountOut)
	}
	net := amountOut.Sub(w.PriorityFee)
	if net.LessThan(w.MinAmountOut) {
		return fixed.Zero, fmt.Errorf("%w: net %s, minimum %s", ErrInsufficientAmountOut, net, w.MinAmountOut)
	}

	withheld := fixed.Percent(w.PriorityFee, e.params.FeePriorityWithheld)
	botFee := w.PriorityFee.Sub(withheld)
	l.TotalDeposits = l.TotalDeposits.Sub(amountOut.Sub(withheld))

	user, isQuote, shares := w.User, w.IsQuote, w.AmountIn
	t.deleteWithdrawal(id)

	t.message = "withdrawal completed"
	t.ref = id
	t.note("side", string(side))
	t.note("user", user)
	t.record("shares", shares)
	t.record("amount_out", amountOut)
	t.record("net", net)
	t.record("bot_fee", botFee)
	t.record("withheld", withheld)

	if err := e.burnShares(t, isQuote, user, shares); err != nil {
		return fixed.Zero, err
	}
	if err := e.pay(t, isQuote, user, net); err != nil {
		return fixed.Zero, err
	}
	if err := e.pay(t, isQuote, caller, botFee); err != nil {
		return fixed.Zero, err
	}
	return net, nil
}

// CancelWithdrawalRequest removes a pending request. Only the requester may
// cancel.
func (e *Engine) CancelWithdrawalRequest(ctx context.Context, caller string, id uint64) error {
	return e.run(ctx, "cancel_withdrawal", caller, func(t *txn) error {
		w, ok := t.withdrawal(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrRequestNotFound, id)
		}
		if w.User != caller {
			return fmt.Errorf("%w: withdrawal %d", ErrNotOwner, id)
		}
		t.deleteWithdrawal(id)

		t.message = "withdrawal cancelled"
		t.ref = id
		t.record("amount_in", w.AmountIn)
		return nil
	})
}

// Withdraw burns amountIn LP shares and pays the caller immediately, with no
// priority fee.
func (e *Engine) Withdraw(ctx context.Context, caller string, isQuote bool, amountIn, minAmountOut fixed.Int) (fixed.Int, error) {
	var net fixed.Int
	err := e.run(ctx, "withdraw", caller, func(t *txn) error {
		w, err := e.openWithdrawal(t, caller, isQuote, amountIn, minAmountOut, fixed.Zero)
		if err != nil {
			return err
		}
		net, err = e.completeWithdrawal(t, caller, w.ID)
		if err != nil {
			return err
		}
		t.message = "liquidity withdrawn"
		return nil
	})
	if err != nil {
		return fixed.Zero, err
	}
	return net, nil
}
