package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/optionperps/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu               sync.RWMutex
	ledgers          map[model.Side]model.PoolLedger
	positions        map[uint64]model.PerpPosition
	options          map[uint64]model.OptionPosition
	withdrawals      map[uint64]model.PendingWithdrawal
	epoch            model.EpochState
	nextWithdrawalID uint64
	journal          []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:     make(map[model.Side]model.PoolLedger),
		positions:   make(map[uint64]model.PerpPosition),
		options:     make(map[uint64]model.OptionPosition),
		withdrawals: make(map[uint64]model.PendingWithdrawal),
	}
}

func (s *MemoryStore) Load(_ context.Context) (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := model.Snapshot{
		Quote:            s.ledgers[model.SideQuote],
		Base:             s.ledgers[model.SideBase],
		Epoch:            s.epoch.Clone(),
		NextWithdrawalID: s.nextWithdrawalID,
	}
	for _, id := range sortedIDs(s.positions) {
		snap.Positions = append(snap.Positions, s.positions[id])
	}
	for _, id := range sortedIDs(s.options) {
		snap.Options = append(snap.Options, s.options[id])
	}
	for _, id := range sortedIDs(s.withdrawals) {
		snap.Withdrawals = append(snap.Withdrawals, s.withdrawals[id])
	}
	return snap, nil
}

func (s *MemoryStore) Commit(_ context.Context, cs model.Changeset) error {
	if cs.Journal.ID == "" {
		return errors.New("commit: journal entry has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range cs.Ledgers {
		s.ledgers[l.Side] = l
	}
	for _, p := range cs.Positions {
		s.positions[p.ID] = p
	}
	for _, o := range cs.Options {
		s.options[o.ID] = o
	}
	for _, w := range cs.Withdrawals {
		s.withdrawals[w.ID] = w
	}
	for _, id := range cs.DeletedWithdrawals {
		delete(s.withdrawals, id)
	}
	if cs.Epoch != nil {
		s.epoch = cs.Epoch.Clone()
	}
	if cs.NextWithdrawalID > s.nextWithdrawalID {
		s.nextWithdrawalID = cs.NextWithdrawalID
	}

	// Store a copy so the caller cannot mutate the journal.
	entry := cs.Journal
	entry.Amounts = make(map[string]string, len(cs.Journal.Amounts))
	for k, v := range cs.Journal.Amounts {
		entry.Amounts[k] = v
	}
	s.journal = append(s.journal, entry)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uint64) (*model.PerpPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner string) ([]model.PerpPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PerpPosition
	for _, id := range sortedIDs(s.positions) {
		if p := s.positions[id]; p.Owner == owner {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListJournal(_ context.Context, limit int) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.journal)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]model.JournalEntry, 0, n)
	for i := len(s.journal) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, s.journal[i])
	}
	return result, nil
}

func (s *MemoryStore) ListJournalByAccount(_ context.Context, account string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func sortedIDs[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
