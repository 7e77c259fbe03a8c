package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionperps/engine/internal/engine"
	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/instrument"
	"github.com/optionperps/engine/internal/model"
	"github.com/optionperps/engine/internal/oracle"
	"github.com/optionperps/engine/internal/token"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func usd(v int64) fixed.Int  { return fixed.Units(v, fixed.Decimals) }
func usdc(v int64) fixed.Int { return fixed.Units(v, fixed.QuoteDecimals) }
func eth(v int64) fixed.Int  { return fixed.Units(v, fixed.BaseDecimals) }

// fakeEngine scripts the engine's answers and records the keeper's calls.
type fakeEngine struct {
	positions   []model.PerpPosition
	healthy     map[uint64]bool
	liqErr      map[uint64]error
	withdrawals []model.PendingWithdrawal
	completeErr map[uint64]error

	liquidated []uint64
	completed  []uint64
	callers    []string
}

func (f *fakeEngine) OpenPositions() []model.PerpPosition { return f.positions }

func (f *fakeEngine) Position(_ context.Context, id uint64) (engine.PositionView, error) {
	for _, p := range f.positions {
		if p.ID == id {
			return engine.PositionView{PerpPosition: p, IsCollateralized: f.healthy[id]}, nil
		}
	}
	return engine.PositionView{}, engine.ErrPositionNotFound
}

func (f *fakeEngine) Liquidate(_ context.Context, caller string, id uint64) (model.OptionPosition, fixed.Int, error) {
	f.callers = append(f.callers, caller)
	if err := f.liqErr[id]; err != nil {
		return model.OptionPosition{}, fixed.Zero, err
	}
	f.liquidated = append(f.liquidated, id)
	return model.OptionPosition{ID: id}, fixed.New(1), nil
}

func (f *fakeEngine) PendingWithdrawals() []model.PendingWithdrawal { return f.withdrawals }

func (f *fakeEngine) CompleteWithdrawalRequest(_ context.Context, caller string, id uint64) (fixed.Int, error) {
	f.callers = append(f.callers, caller)
	if err := f.completeErr[id]; err != nil {
		return fixed.Zero, err
	}
	f.completed = append(f.completed, id)
	return fixed.New(1), nil
}

func TestTick_LiquidatesOnlyUndercollateralized(t *testing.T) {
	f := &fakeEngine{
		positions: []model.PerpPosition{
			{ID: 1, IsOpen: true},
			{ID: 2, IsOpen: true},
			{ID: 3, IsOpen: true},
			{ID: 4, IsOpen: true},
		},
		healthy: map[uint64]bool{2: true},
		liqErr: map[uint64]error{
			3: engine.ErrPositionClosed,
			4: errors.New("registry unavailable"),
		},
	}
	k := New(f, Config{Account: "bot"}, quiet)

	res := k.Tick(context.Background())
	assert.Equal(t, []uint64{1}, f.liquidated)
	assert.Equal(t, Result{Liquidated: 1, Skipped: 1, Failed: 1}, res)
	for _, c := range f.callers {
		assert.Equal(t, "bot", c)
	}
}

func TestTick_CompletesWithdrawalsByPriorityFee(t *testing.T) {
	f := &fakeEngine{
		withdrawals: []model.PendingWithdrawal{
			{ID: 1, PriorityFee: fixed.New(5)},
			{ID: 2, PriorityFee: fixed.Zero},
			{ID: 3, PriorityFee: fixed.New(9)},
			{ID: 4, PriorityFee: fixed.New(5)},
			{ID: 5, PriorityFee: fixed.New(7)},
		},
		completeErr: map[uint64]error{
			5: fmt.Errorf("%w: pool has 0", engine.ErrInsufficientLiquidity),
		},
	}
	k := New(f, Config{Account: "bot"}, quiet)

	res := k.Tick(context.Background())
	// Zero-fee requests are left to their owners; the illiquid one waits.
	assert.Equal(t, []uint64{3, 1, 4}, f.completed)
	assert.Equal(t, Result{Completed: 3, Skipped: 1}, res)
}

func TestTick_StopsWhenContextDone(t *testing.T) {
	f := &fakeEngine{
		positions: []model.PerpPosition{{ID: 1, IsOpen: true}},
		withdrawals: []model.PendingWithdrawal{
			{ID: 1, PriorityFee: fixed.New(5)},
		},
	}
	k := New(f, Config{Account: "bot", ActionsPerSecond: 1}, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := k.Tick(ctx)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.liquidated)
	assert.Empty(t, f.completed)
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	k := New(&fakeEngine{}, Config{Account: "bot", Interval: time.Millisecond}, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// --- Against the engine ---

type zeroPremium struct{}

func (zeroPremium) OptionPrice(context.Context, bool, time.Time, fixed.Int, fixed.Int, fixed.Int) (fixed.Int, error) {
	return fixed.Zero, nil
}

func TestKeeper_AgainstEngine(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)

	feed := oracle.NewStaticFeed(usd(1000))
	quote, base := token.NewLedger("USDC"), token.NewLedger("ETH")
	quoteLP := token.NewLedger("LP-USDC")
	c := engine.Collaborators{
		Prices:     feed,
		Volatility: oracle.NewStaticVolatility(usd(80)),
		Premiums:   zeroPremium{},
		QuoteToken: quote,
		BaseToken:  base,
		QuoteLP:    quoteLP,
		BaseLP:     token.NewLedger("LP-ETH"),
		Perps:      token.NewRegistry(),
		Options:    token.NewRegistry(),
		Swap:       token.NewMarkSwapRouter(quote, base, feed),
	}
	params := engine.DefaultParams(instrument.Pair{Base: "ETH", Quote: "USDC"}, start.Add(7*24*time.Hour))
	eng, err := engine.New(params, c,
		engine.WithClock(func() time.Time { return start }),
		engine.WithLogger(quiet),
	)
	require.NoError(t, err)

	faucet := token.NewFaucet(quote, base)
	require.NoError(t, faucet.Credit(ctx, "lp", token.Base, eth(10)))
	require.NoError(t, faucet.Credit(ctx, "lp", token.Quote, usdc(10_000)))
	require.NoError(t, faucet.Credit(ctx, "alice", token.Quote, usdc(1000)))
	_, err = eng.Deposit(ctx, "lp", false, eth(10))
	require.NoError(t, err)
	_, err = eng.Deposit(ctx, "lp", true, usdc(10_000))
	require.NoError(t, err)

	p, err := eng.OpenPosition(ctx, "alice", true, usd(3000), usdc(910))
	require.NoError(t, err)
	w, err := eng.OpenWithdrawalRequest(ctx, "lp", true, usdc(400), fixed.Zero, usdc(10))
	require.NoError(t, err)

	k := New(eng, Config{Account: "bot"}, quiet)

	// Healthy at the open price: only the withdrawal is fulfilled.
	res := k.Tick(ctx)
	assert.Equal(t, Result{Completed: 1}, res)
	_, err = eng.Withdrawal(w.ID)
	assert.ErrorIs(t, err, engine.ErrRequestNotFound)

	require.NoError(t, feed.Set(usd(1290)))
	res = k.Tick(ctx)
	assert.Equal(t, Result{Liquidated: 1}, res)

	view, err := eng.Position(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, view.Liquidated)
	assert.Empty(t, eng.OpenPositions())

	// Liquidation fee plus half the priority fee.
	bal, err := quote.BalanceOf(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, bal.Equal(fixed.New(4_550_000).Add(usdc(5))), "bot quote: %s", bal)
}
