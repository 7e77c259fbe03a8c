// Package engine is the position and pool accounting engine: LP deposits and
// withdrawals, leveraged perpetual positions, liquidations, residual options
// and epoch settlement.
//
// Every mutating operation runs under one write lock as a journaled
// transaction. Internal ledger changes are applied first, collaborator calls
// (token transfers, swaps, ownership mints) last, and any failure restores
// the previous state before the error is returned. A successful operation is
// committed to the Store as a single Changeset.
//
// Scales: prices, notional sizes and position counts use fixed.Scale (1e8),
// quote amounts fixed.QuoteScale (1e6), base amounts fixed.BaseScale (1e18).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/metrics"
	"github.com/optionperps/engine/internal/model"
	"github.com/optionperps/engine/internal/oracle"
	"github.com/optionperps/engine/internal/risk"
	"github.com/optionperps/engine/internal/token"
)

// Collaborators are the external services the engine reads from and moves
// value through.
type Collaborators struct {
	Prices     oracle.PriceFeed
	Volatility oracle.VolatilityFeed
	Premiums   oracle.PremiumOracle

	QuoteToken token.TokenLedger
	BaseToken  token.TokenLedger
	QuoteLP    token.LpShareLedger
	BaseLP     token.LpShareLedger

	Perps   token.OwnershipRegistry
	Options token.OwnershipRegistry

	Swap token.SwapRouter
}

func (c Collaborators) validate() error {
	switch {
	case c.Prices == nil, c.Volatility == nil, c.Premiums == nil:
		return errors.New("engine: price, volatility and premium oracles are required")
	case c.QuoteToken == nil, c.BaseToken == nil, c.QuoteLP == nil, c.BaseLP == nil:
		return errors.New("engine: token and LP share ledgers are required")
	case c.Perps == nil, c.Options == nil:
		return errors.New("engine: ownership registries are required")
	case c.Swap == nil:
		return errors.New("engine: swap router is required")
	}
	return nil
}

// Store persists committed changesets.
type Store interface {
	Commit(ctx context.Context, cs model.Changeset) error
}

// Notifier receives the journal entry of every committed operation.
type Notifier interface {
	Publish(entry model.JournalEntry)
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore commits every operation to s.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLimiter applies open-time risk limits.
func WithLimiter(l *risk.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier publishes committed operations to n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// Engine owns the pool ledgers, positions, options, pending withdrawals and
// epoch state.
type Engine struct {
	params Params
	c      Collaborators

	store    Store
	limiter  *risk.Limiter
	log      *slog.Logger
	now      func() time.Time
	notifier Notifier

	mu               sync.RWMutex
	quote            model.PoolLedger
	base             model.PoolLedger
	positions        map[uint64]*model.PerpPosition
	options          map[uint64]*model.OptionPosition
	withdrawals      map[uint64]*model.PendingWithdrawal
	epoch            model.EpochState
	nextWithdrawalID uint64
}

// New creates an engine in its initial state: empty pools, epoch 1 expiring
// at params.FirstExpiry.
func New(params Params, c Collaborators, opts ...Option) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		params: params,
		c:      c,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reset(model.Snapshot{})
	return e, nil
}

// Restore replaces the engine state with a persisted snapshot. An empty
// snapshot yields the initial state.
func (e *Engine) Restore(s model.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset(s)
	e.observePools()
	e.log.Info("engine state restored",
		"epoch", e.epoch.Current,
		"positions", len(e.positions),
		"options", len(e.options),
		"withdrawals", len(e.withdrawals),
	)
}

func (e *Engine) reset(s model.Snapshot) {
	e.quote = s.Quote
	e.quote.Side = model.SideQuote
	e.base = s.Base
	e.base.Side = model.SideBase

	e.positions = make(map[uint64]*model.PerpPosition, len(s.Positions))
	for i := range s.Positions {
		p := s.Positions[i]
		e.positions[p.ID] = &p
	}
	e.options = make(map[uint64]*model.OptionPosition, len(s.Options))
	for i := range s.Options {
		o := s.Options[i]
		e.options[o.ID] = &o
	}
	e.withdrawals = make(map[uint64]*model.PendingWithdrawal, len(s.Withdrawals))
	for i := range s.Withdrawals {
		w := s.Withdrawals[i]
		e.withdrawals[w.ID] = &w
	}

	e.epoch = s.Epoch.Clone()
	if e.epoch.Current == 0 {
		e.epoch.Current = 1
		e.epoch.Expiry = e.params.FirstExpiry
	}

	e.nextWithdrawalID = s.NextWithdrawalID
	if e.nextWithdrawalID == 0 {
		e.nextWithdrawalID = 1
	}
}

// Params returns the market parameters.
func (e *Engine) Params() Params {
	return e.params
}

// run executes fn as one atomic operation.
func (e *Engine) run(ctx context.Context, op, account string, fn func(t *txn) error) error {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin(ctx, op, account)
	if err := fn(t); err != nil {
		t.rollback()
		metrics.Operations.WithLabelValues(op, "error").Inc()
		return err
	}
	entry, err := t.commit()
	if err != nil {
		t.rollback()
		metrics.Operations.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("commit %s: %w", op, err)
	}

	metrics.Operations.WithLabelValues(op, "ok").Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	e.observePools()

	if e.notifier != nil {
		e.notifier.Publish(entry)
	}
	return nil
}

func (e *Engine) ledger(side model.Side) *model.PoolLedger {
	if side.IsQuote() {
		return &e.quote
	}
	return &e.base
}

// markPrice reads and validates the oracle mark price.
func (e *Engine) markPrice(ctx context.Context) (fixed.Int, error) {
	price, err := e.c.Prices.MarkPrice(ctx)
	if err != nil {
		return fixed.Zero, fmt.Errorf("mark price: %w", err)
	}
	if !price.IsPositive() {
		return fixed.Zero, fmt.Errorf("mark price: %w", oracle.ErrInvalidPrice)
	}
	return price, nil
}

func (e *Engine) lpLedger(isQuote bool) token.LpShareLedger {
	if isQuote {
		return e.c.QuoteLP
	}
	return e.c.BaseLP
}

func (e *Engine) tokenLedger(isQuote bool) token.TokenLedger {
	if isQuote {
		return e.c.QuoteToken
	}
	return e.c.BaseToken
}

// observePools must be called with e.mu held.
func (e *Engine) observePools() {
	open := 0
	for _, p := range e.positions {
		if p.IsOpen {
			open++
		}
	}
	metrics.OpenPositions.Set(float64(open))
	metrics.PendingWithdrawals.Set(float64(len(e.withdrawals)))
	metrics.Epoch.Set(float64(e.epoch.Current))

	for _, l := range []model.PoolLedger{e.quote, e.base} {
		decimals := fixed.BaseDecimals
		if l.Side.IsQuote() {
			decimals = fixed.QuoteDecimals
		}
		side := string(l.Side)
		metrics.PoolTotalDeposits.WithLabelValues(side).Set(toFloat(l.TotalDeposits, decimals))
		metrics.PoolActiveDeposits.WithLabelValues(side).Set(toFloat(l.ActiveDeposits, decimals))
		metrics.PoolOpenInterest.WithLabelValues(side).Set(toFloat(l.OI, fixed.Decimals))
	}
}

func toFloat(v fixed.Int, decimals int32) float64 {
	return v.Decimal().Shift(-decimals).InexactFloat64()
}
