// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/optionperps/engine/internal/model"
)

// ErrNotFound is returned by point lookups for unknown ids.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Engine state ---

	// Load returns the full persisted state. An empty store yields a zero
	// Snapshot.
	Load(ctx context.Context) (model.Snapshot, error)

	// Commit applies one operation's changes and appends its journal entry,
	// atomically.
	Commit(ctx context.Context, cs model.Changeset) error

	// --- Position queries ---

	// GetPosition retrieves a position by id, open or closed.
	GetPosition(ctx context.Context, id uint64) (*model.PerpPosition, error)

	// ListPositionsByOwner returns every position opened by owner, by id.
	ListPositionsByOwner(ctx context.Context, owner string) ([]model.PerpPosition, error)

	// --- Immutable journal ---

	// ListJournal returns the most recent entries, newest first.
	ListJournal(ctx context.Context, limit int) ([]model.JournalEntry, error)

	// ListJournalByAccount returns every entry made by account, oldest first.
	ListJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error)
}
