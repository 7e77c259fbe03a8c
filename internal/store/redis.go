package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optionperps/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs model.Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}

	keys := []string{journalKey(cs.Journal.Account)}
	for _, p := range cs.Positions {
		keys = append(keys, positionKey(p.ID), ownerKey(p.Owner))
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id uint64) (*model.PerpPosition, error) {
	var p model.PerpPosition
	if s.get(ctx, positionKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pos, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionKey(id), pos)
	return pos, nil
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.PerpPosition, error) {
	var positions []model.PerpPosition
	if s.get(ctx, ownerKey(owner), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.set(ctx, ownerKey(owner), positions)
	return positions, nil
}

func (s *CachedStore) ListJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	if s.get(ctx, journalKey(account), &entries) {
		return entries, nil
	}

	entries, err := s.primary.ListJournalByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	s.set(ctx, journalKey(account), entries)
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Load(ctx context.Context) (model.Snapshot, error) {
	return s.primary.Load(ctx)
}

func (s *CachedStore) ListJournal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	return s.primary.ListJournal(ctx, limit)
}

// --- Cache helpers ---

// get reports a hit only when the key exists and decodes cleanly. Redis
// errors are treated as misses.
func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionKey(id uint64) string     { return fmt.Sprintf("optionperps:position:%d", id) }
func ownerKey(owner string) string     { return fmt.Sprintf("optionperps:positions:%s", owner) }
func journalKey(account string) string { return fmt.Sprintf("optionperps:journal:%s", account) }
