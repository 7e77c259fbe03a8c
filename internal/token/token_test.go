package token

import (
	"context"
	"errors"
	"testing"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/oracle"
)

func n(v int64) fixed.Int { return fixed.New(v) }

func TestLedger_TransferAndBalance(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("USDC")
	l.Mint(ctx, "alice", n(100))

	if err := l.Transfer(ctx, "alice", "bob", n(40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := l.BalanceOf(ctx, "alice")
	b, _ := l.BalanceOf(ctx, "bob")
	if a.Int64() != 60 || b.Int64() != 40 {
		t.Errorf("expected 60/40, got %s/%s", a, b)
	}

	err := l.Transfer(ctx, "bob", "alice", n(41))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.Transfer(ctx, "bob", "alice", n(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLedger_Allowance(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("USDC")
	l.EnforceAllowance = true
	l.Mint(ctx, "alice", n(100))

	if err := l.TransferFrom(ctx, "alice", "engine", n(10)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	l.Approve(ctx, "alice", "engine", n(30))
	if err := l.TransferFrom(ctx, "alice", "engine", n(30)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.TransferFrom(ctx, "alice", "engine", n(1)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Errorf("allowance should be spent, got %v", err)
	}
}

func TestLedger_MintBurnSupply(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("qLP")
	l.Mint(ctx, "alice", n(500))
	l.Mint(ctx, "bob", n(250))

	if err := l.BurnFrom(ctx, "bob", n(300)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.BurnFrom(ctx, "bob", n(250)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	supply, _ := l.TotalSupply(ctx)
	if supply.Int64() != 500 {
		t.Errorf("expected supply 500, got %s", supply)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	id1, _ := r.Mint(ctx, "alice")
	id2, _ := r.Mint(ctx, "bob")
	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", id1, id2)
	}

	owner, err := r.OwnerOf(ctx, id2)
	if err != nil || owner != "bob" {
		t.Errorf("expected bob, got %q (%v)", owner, err)
	}
	if _, err := r.OwnerOf(ctx, 99); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}

	if err := r.Transfer(ctx, "alice", "carol", id2); err == nil {
		t.Error("non-owner transfer should fail")
	}
	if err := r.Transfer(ctx, "bob", "carol", id2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	owner, _ = r.OwnerOf(ctx, id2)
	if owner != "carol" {
		t.Errorf("expected carol, got %s", owner)
	}

	r.Restore(10, "dave")
	id, _ := r.Mint(ctx, "erin")
	if id != 11 {
		t.Errorf("expected next id 11 after restore, got %d", id)
	}
}

func TestMarkSwapRouter(t *testing.T) {
	ctx := context.Background()
	quote := NewLedger("USDC")
	base := NewLedger("WETH")
	feed := oracle.NewStaticFeed(fixed.Units(1000, fixed.Decimals))
	router := NewMarkSwapRouter(quote, base, feed)

	base.Mint(ctx, "engine", fixed.Units(2, fixed.BaseDecimals))

	// 1500 USDC out costs 1.5 WETH in.
	in, err := router.SwapExactOut(ctx, "engine", Base, Quote, fixed.Units(1500, fixed.QuoteDecimals))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.Equal(fixed.MustParse("1500000000000000000")) {
		t.Errorf("expected 1.5e18 in, got %s", in)
	}
	q, _ := quote.BalanceOf(ctx, "engine")
	b, _ := base.BalanceOf(ctx, "engine")
	if !q.Equal(fixed.Units(1500, fixed.QuoteDecimals)) || !b.Equal(fixed.MustParse("500000000000000000")) {
		t.Errorf("unexpected balances quote=%s base=%s", q, b)
	}

	// Back the other way: 0.5 WETH costs 500 USDC.
	in, err = router.SwapExactOut(ctx, "engine", Quote, Base, fixed.MustParse("500000000000000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.Equal(fixed.Units(500, fixed.QuoteDecimals)) {
		t.Errorf("expected 500e6 in, got %s", in)
	}

	if _, err := router.SwapExactOut(ctx, "engine", Base, Quote, fixed.Units(1e6, fixed.QuoteDecimals)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := router.SwapExactOut(ctx, "engine", Base, Base, n(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestFaucet_Credit(t *testing.T) {
	ctx := context.Background()
	quote, base := NewLedger("USDC"), NewLedger("WETH")
	f := NewFaucet(quote, base)

	if err := f.Credit(ctx, "alice", Quote, n(250)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Credit(ctx, "alice", Base, n(3)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q, _ := quote.BalanceOf(ctx, "alice")
	b, _ := base.BalanceOf(ctx, "alice")
	if q.Int64() != 250 || b.Int64() != 3 {
		t.Errorf("expected 250/3, got %s/%s", q, b)
	}

	if err := f.Credit(ctx, "alice", Quote, n(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.Credit(ctx, "alice", Asset("btc"), n(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}
