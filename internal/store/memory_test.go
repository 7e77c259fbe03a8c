package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
)

func d(s string) fixed.Int {
	return fixed.MustParse(s)
}

var ts = time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)

func entry(id, op, account string) model.JournalEntry {
	return model.JournalEntry{ID: id, Op: op, Account: account, Amounts: map[string]string{"k": "1"}, Timestamp: ts}
}

func TestMemoryStore_EmptyLoad(t *testing.T) {
	s := NewMemoryStore()
	snap, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Epoch.Current != 0 || len(snap.Positions) != 0 || snap.NextWithdrawalID != 0 {
		t.Errorf("expected zero snapshot, got %+v", snap)
	}
}

func TestMemoryStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ep := model.EpochState{
		Current:      2,
		Expiry:       ts.Add(7 * 24 * time.Hour),
		ExpiryPrices: map[int64]fixed.Int{1: d("150000000000")},
		Expiries:     map[int64]time.Time{1: ts},
	}
	err := s.Commit(ctx, model.Changeset{
		Ledgers: []model.PoolLedger{
			{Side: model.SideQuote, TotalDeposits: d("1000000000")},
			{Side: model.SideBase, TotalDeposits: d("10000000000000000000")},
		},
		Positions:        []model.PerpPosition{{ID: 1, Owner: "alice", IsOpen: true, Size: d("100000000000")}},
		Options:          []model.OptionPosition{{ID: 1, Owner: "bob", IsPut: true}},
		Withdrawals:      []model.PendingWithdrawal{{ID: 1, User: "lp", AmountIn: d("5")}, {ID: 2, User: "lp"}},
		Epoch:            &ep,
		NextWithdrawalID: 3,
		Journal:          entry("j1", "open_position", "alice"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The stored epoch is a copy.
	ep.ExpiryPrices[1] = d("1")

	err = s.Commit(ctx, model.Changeset{
		DeletedWithdrawals: []uint64{1},
		NextWithdrawalID:   3,
		Journal:            entry("j2", "complete_withdrawal", "bot"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Quote.TotalDeposits.Equal(d("1000000000")) {
		t.Errorf("expected quote deposits 1000000000, got %s", snap.Quote.TotalDeposits)
	}
	if !snap.Base.TotalDeposits.Equal(d("10000000000000000000")) {
		t.Errorf("expected base deposits 1e19, got %s", snap.Base.TotalDeposits)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].Owner != "alice" {
		t.Errorf("expected alice's position, got %+v", snap.Positions)
	}
	if len(snap.Options) != 1 || !snap.Options[0].IsPut {
		t.Errorf("expected one put, got %+v", snap.Options)
	}
	if len(snap.Withdrawals) != 1 || snap.Withdrawals[0].ID != 2 {
		t.Errorf("expected only withdrawal 2, got %+v", snap.Withdrawals)
	}
	if snap.Epoch.Current != 2 || !snap.Epoch.ExpiryPrices[1].Equal(d("150000000000")) {
		t.Errorf("unexpected epoch %+v", snap.Epoch)
	}
	if snap.NextWithdrawalID != 3 {
		t.Errorf("expected next withdrawal id 3, got %d", snap.NextWithdrawalID)
	}
}

func TestMemoryStore_RejectsEntryWithoutID(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Commit(context.Background(), model.Changeset{}); err == nil {
		t.Fatal("expected error for missing journal id")
	}
}

func TestMemoryStore_Positions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Commit(ctx, model.Changeset{
		Positions: []model.PerpPosition{
			{ID: 3, Owner: "alice"},
			{ID: 1, Owner: "alice"},
			{ID: 2, Owner: "bob"},
		},
		Journal: entry("j1", "open_position", "alice"),
	})

	p, err := s.GetPosition(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Owner != "bob" {
		t.Errorf("expected bob, got %s", p.Owner)
	}

	if _, err := s.GetPosition(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	owned, _ := s.ListPositionsByOwner(ctx, "alice")
	if len(owned) != 2 || owned[0].ID != 1 || owned[1].ID != 3 {
		t.Errorf("expected alice's positions 1 and 3 in order, got %+v", owned)
	}
}

func TestMemoryStore_Journal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, e := range []model.JournalEntry{
		entry("j1", "deposit", "lp"),
		entry("j2", "open_position", "alice"),
		entry("j3", "withdraw", "lp"),
	} {
		if err := s.Commit(ctx, model.Changeset{Journal: e}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	recent, _ := s.ListJournal(ctx, 2)
	if len(recent) != 2 || recent[0].ID != "j3" || recent[1].ID != "j2" {
		t.Errorf("expected j3, j2, got %+v", recent)
	}

	all, _ := s.ListJournal(ctx, 0)
	if len(all) != 3 {
		t.Errorf("expected 3 entries, got %d", len(all))
	}

	lp, _ := s.ListJournalByAccount(ctx, "lp")
	if len(lp) != 2 || lp[0].Op != "deposit" || lp[1].Op != "withdraw" {
		t.Errorf("expected lp's deposit then withdraw, got %+v", lp)
	}
}
