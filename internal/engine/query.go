package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/instrument"
	"github.com/optionperps/engine/internal/model"
)

// PositionView is a position with its live valuation at the mark price.
// Live fields are zero for closed positions.
type PositionView struct {
	model.PerpPosition
	MarkPrice        fixed.Int `json:"mark_price"`
	Value            fixed.Int `json:"value"`
	UnrealizedPnl    fixed.Int `json:"unrealized_pnl"`
	AccruedFunding   fixed.Int `json:"accrued_funding"`
	ClosingFee       fixed.Int `json:"closing_fee"`
	NetMargin        fixed.Int `json:"net_margin"`
	LiquidationPrice fixed.Int `json:"liquidation_price"`
	IsCollateralized bool      `json:"is_collateralized"`
}

// OptionView is an option with its ticker and, once its epoch has concluded,
// the expiry price and claimable payout.
type OptionView struct {
	model.OptionPosition
	Ticker      string    `json:"ticker"`
	ExpiryPrice fixed.Int `json:"expiry_price"`
	Claimable   fixed.Int `json:"claimable"`
}

// PoolView is a pool ledger with its derived values. SharePrice is the pool
// asset per LP share at fixed.Scale.
type PoolView struct {
	model.PoolLedger
	Available     fixed.Int `json:"available"`
	LpSupply      fixed.Int `json:"lp_supply"`
	UnrealizedPnl fixed.Int `json:"unrealized_pnl"`
	NetDeposits   fixed.Int `json:"net_deposits"`
	SharePrice    fixed.Int `json:"share_price"`
}

// Position returns position id valued at the current mark price.
func (e *Engine) Position(ctx context.Context, id uint64) (PositionView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[id]
	if !ok {
		return PositionView{}, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	view := PositionView{PerpPosition: *p}
	if !p.IsOpen {
		return view, nil
	}

	price, err := e.markPrice(ctx)
	if err != nil {
		return PositionView{}, err
	}
	v := e.value(p, price, e.now().UTC())
	view.MarkPrice = price
	view.Value = v.Value
	view.UnrealizedPnl = v.Pnl
	view.AccruedFunding = v.Funding
	view.ClosingFee = v.ClosingFee
	view.NetMargin = v.NetMargin
	view.LiquidationPrice = v.LiquidationPrice
	view.IsCollateralized = v.IsCollateralized
	return view, nil
}

// OpenPositions returns every open position ordered by id.
func (e *Engine) OpenPositions() []model.PerpPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.PerpPosition, 0, len(e.positions))
	for _, p := range e.positions {
		if p.IsOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Option returns option id.
func (e *Engine) Option(id uint64) (OptionView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	o, ok := e.options[id]
	if !ok {
		return OptionView{}, fmt.Errorf("%w: %d", ErrOptionNotFound, id)
	}
	view := OptionView{OptionPosition: *o}
	if expiry, ok := e.epoch.ExpiryOf(o.Epoch); ok {
		view.Ticker = instrument.OptionTicker(e.params.Pair.Base, expiry, o.Strike, o.IsPut)
	}
	if price, ok := e.epoch.ExpiryPrices[o.Epoch]; ok {
		view.ExpiryPrice = price
		if pnl := optionPnl(o, price); pnl.IsPositive() && !o.IsSettled {
			view.Claimable = pnl
		}
	}
	return view, nil
}

// Pool returns the quote or base pool with its derived values.
func (e *Engine) Pool(ctx context.Context, isQuote bool) (PoolView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	price, err := e.markPrice(ctx)
	if err != nil {
		return PoolView{}, err
	}
	supply, err := e.lpLedger(isQuote).TotalSupply(ctx)
	if err != nil {
		return PoolView{}, fmt.Errorf("LP supply: %w", err)
	}

	l := *e.ledger(model.SideOf(isQuote))
	view := PoolView{
		PoolLedger:    l,
		Available:     l.Available(),
		LpSupply:      supply,
		UnrealizedPnl: e.unrealizedPnl(isQuote, price),
		NetDeposits:   e.netDeposits(isQuote, price),
		SharePrice:    fixed.Scale,
	}
	if supply.IsPositive() {
		view.SharePrice = fixed.MulDiv(view.NetDeposits, fixed.Scale, supply)
	}
	return view, nil
}

// Epoch returns a copy of the epoch state.
func (e *Engine) Epoch() model.EpochState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch.Clone()
}

// Withdrawal returns pending request id.
func (e *Engine) Withdrawal(id uint64) (model.PendingWithdrawal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	w, ok := e.withdrawals[id]
	if !ok {
		return model.PendingWithdrawal{}, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	return *w, nil
}

// PendingWithdrawals returns every pending request ordered by id.
func (e *Engine) PendingWithdrawals() []model.PendingWithdrawal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.PendingWithdrawal, 0, len(e.withdrawals))
	for _, w := range e.withdrawals {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the full engine state.
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := model.Snapshot{
		Quote:            e.quote,
		Base:             e.base,
		Epoch:            e.epoch.Clone(),
		NextWithdrawalID: e.nextWithdrawalID,
	}
	for _, id := range sortedKeys(e.positions) {
		s.Positions = append(s.Positions, *e.positions[id])
	}
	for _, id := range sortedKeys(e.options) {
		s.Options = append(s.Options, *e.options[id])
	}
	for _, id := range sortedKeys(e.withdrawals) {
		s.Withdrawals = append(s.Withdrawals, *e.withdrawals[id])
	}
	return s
}
