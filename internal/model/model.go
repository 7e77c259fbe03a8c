// Package model defines the core domain types shared across the engine.
// All amounts are fixed.Int with the scale noted on each field; never float64
// for money.
package model

import (
	"time"

	"github.com/optionperps/engine/internal/fixed"
)

// Side identifies one of the two single-sided liquidity pools.
type Side string

const (
	SideQuote Side = "quote"
	SideBase  Side = "base"
)

// SideOf maps the isQuote flag used throughout the engine to a Side.
func SideOf(isQuote bool) Side {
	if isQuote {
		return SideQuote
	}
	return SideBase
}

// IsQuote reports whether s is the quote pool.
func (s Side) IsQuote() bool { return s == SideQuote }

// Valid reports whether s names a pool.
func (s Side) Valid() bool { return s == SideQuote || s == SideBase }

// PoolLedger is the aggregate state of one pool. Shorts are backed by the
// quote pool, longs by the base pool.
//
// TotalDeposits and ActiveDeposits are denominated in the pool's own asset
// (quote 1e6 or base 1e18). OI and AverageOpenPrice use the 1e8 scale,
// Positions is a 1e8 base-asset count. Margin, Premium and the fee
// accumulators are quote (1e6) amounts because trader collateral is always
// posted in the quote asset.
type PoolLedger struct {
	Side             Side      `json:"side"`
	TotalDeposits    fixed.Int `json:"total_deposits"`
	ActiveDeposits   fixed.Int `json:"active_deposits"`
	AverageOpenPrice fixed.Int `json:"average_open_price"`
	Positions        fixed.Int `json:"positions"`
	OI               fixed.Int `json:"oi"`
	Margin           fixed.Int `json:"margin"`
	Premium          fixed.Int `json:"premium"`
	OpeningFees      fixed.Int `json:"opening_fees"`
	ClosingFees      fixed.Int `json:"closing_fees"`
	Funding          fixed.Int `json:"funding"`
	PositionCount    int64     `json:"position_count"`
}

// Available is the amount that can be withdrawn or reserved for new positions.
func (l PoolLedger) Available() fixed.Int {
	return l.TotalDeposits.Sub(l.ActiveDeposits)
}

// PerpPosition is a single leveraged position. Size and AverageOpenPrice use
// the 1e8 scale, Positions is a 1e8 base-asset count, every other amount is
// quote (1e6).
type PerpPosition struct {
	ID               uint64    `json:"id"`
	Owner            string    `json:"owner"`
	IsOpen           bool      `json:"is_open"`
	IsShort          bool      `json:"is_short"`
	Positions        fixed.Int `json:"positions"`
	Size             fixed.Int `json:"size"`
	AverageOpenPrice fixed.Int `json:"average_open_price"`
	Margin           fixed.Int `json:"margin"`
	Premium          fixed.Int `json:"premium"`
	OpeningFees      fixed.Int `json:"opening_fees"`
	ClosingFees      fixed.Int `json:"closing_fees"`
	Funding          fixed.Int `json:"funding"`
	Pnl              fixed.Int `json:"pnl"`
	Epoch            int64     `json:"epoch"`
	OpenedAt         time.Time `json:"opened_at"`
	ClosedAt         time.Time `json:"closed_at,omitempty"`
	Liquidated       bool      `json:"liquidated"`
}

// Side returns the pool backing the position.
func (p PerpPosition) Side() Side {
	return SideOf(p.IsShort)
}

// OptionPosition is the residual option claim minted when a perp position is
// liquidated. Amount is a 1e8 count and Strike a 1e8 price.
type OptionPosition struct {
	ID        uint64    `json:"id"`
	Owner     string    `json:"owner"`
	PerpID    uint64    `json:"perp_id"`
	IsSettled bool      `json:"is_settled"`
	IsPut     bool      `json:"is_put"`
	Amount    fixed.Int `json:"amount"`
	Strike    fixed.Int `json:"strike"`
	Epoch     int64     `json:"epoch"`
	Payout    fixed.Int `json:"payout"`
	CreatedAt time.Time `json:"created_at"`
	SettledAt time.Time `json:"settled_at,omitempty"`
}

// PendingWithdrawal is a queued LP withdrawal. AmountIn is in LP shares,
// MinAmountOut and PriorityFee in the pool's asset.
type PendingWithdrawal struct {
	ID           uint64    `json:"id"`
	User         string    `json:"user"`
	IsQuote      bool      `json:"is_quote"`
	AmountIn     fixed.Int `json:"amount_in"`
	MinAmountOut fixed.Int `json:"min_amount_out"`
	PriorityFee  fixed.Int `json:"priority_fee"`
	CreatedAt    time.Time `json:"created_at"`
}

// EpochState tracks the current epoch together with the expiry time and
// frozen expiry mark price of every concluded epoch.
type EpochState struct {
	Current      int64               `json:"current"`
	Expiry       time.Time           `json:"expiry"`
	ExpiryPrices map[int64]fixed.Int `json:"expiry_prices"`
	Expiries     map[int64]time.Time `json:"expiries"`
}

// ExpiryOf returns the expiry time of epoch, which is either concluded or
// current.
func (e EpochState) ExpiryOf(epoch int64) (time.Time, bool) {
	if epoch == e.Current {
		return e.Expiry, true
	}
	t, ok := e.Expiries[epoch]
	return t, ok
}

// Clone returns a deep copy.
func (e EpochState) Clone() EpochState {
	prices := make(map[int64]fixed.Int, len(e.ExpiryPrices))
	for k, v := range e.ExpiryPrices {
		prices[k] = v
	}
	expiries := make(map[int64]time.Time, len(e.Expiries))
	for k, v := range e.Expiries {
		expiries[k] = v
	}
	e.ExpiryPrices = prices
	e.Expiries = expiries
	return e
}

// JournalEntry is an immutable record of one committed engine operation.
// Once created, these are never modified or deleted.
type JournalEntry struct {
	ID        string            `json:"id"`
	Op        string            `json:"op"`
	Account   string            `json:"account"`
	Ref       uint64            `json:"ref,omitempty"`
	Amounts   map[string]string `json:"amounts,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Snapshot is the full persisted engine state.
type Snapshot struct {
	Quote            PoolLedger
	Base             PoolLedger
	Positions        []PerpPosition
	Options          []OptionPosition
	Withdrawals      []PendingWithdrawal
	Epoch            EpochState
	NextWithdrawalID uint64
}

// Changeset is everything one committed operation changed.
type Changeset struct {
	Ledgers            []PoolLedger
	Positions          []PerpPosition
	Options            []OptionPosition
	Withdrawals        []PendingWithdrawal
	DeletedWithdrawals []uint64
	Epoch              *EpochState
	NextWithdrawalID   uint64
	Journal            JournalEntry
}
