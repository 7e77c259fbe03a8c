package main

import (
	"context"
	"testing"

	"github.com/optionperps/engine/internal/model"
)

func TestRestoreRegistries(t *testing.T) {
	ctx := context.Background()
	snap := model.Snapshot{
		Positions: []model.PerpPosition{{ID: 1, Owner: "alice"}, {ID: 3, Owner: "bob"}},
		Options:   []model.OptionPosition{{ID: 1, Owner: "alice"}},
	}
	perps, options := restoreRegistries(snap)

	owner, err := perps.OwnerOf(ctx, 3)
	if err != nil || owner != "bob" {
		t.Fatalf("expected bob to own position 3, got %q (%v)", owner, err)
	}
	if owner, _ := options.OwnerOf(ctx, 1); owner != "alice" {
		t.Errorf("expected alice to own option 1, got %q", owner)
	}

	// New ids continue after the highest restored one.
	id, err := perps.Mint(ctx, "carol")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 4 {
		t.Errorf("expected position id 4, got %d", id)
	}
	if id, _ := options.Mint(ctx, "carol"); id != 2 {
		t.Errorf("expected option id 2, got %d", id)
	}
}
