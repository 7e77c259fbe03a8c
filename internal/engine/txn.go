package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
)

// txn is one in-flight operation. It remembers the original value of
// everything it touches so rollback can restore it, and the compensating
// collaborator calls for every external effect that already happened.
// All methods must be called with e.mu held.
type txn struct {
	ctx     context.Context
	e       *Engine
	op      string
	account string
	now     time.Time

	message string
	ref     uint64
	amounts map[string]string

	ledgers          map[model.Side]model.PoolLedger
	positions        map[uint64]*model.PerpPosition
	options          map[uint64]*model.OptionPosition
	withdrawals      map[uint64]*model.PendingWithdrawal
	epoch            *model.EpochState
	nextWithdrawalID uint64

	compensations []func(ctx context.Context) error
}

func (e *Engine) begin(ctx context.Context, op, account string) *txn {
	return &txn{
		ctx:              ctx,
		e:                e,
		op:               op,
		account:          account,
		now:              e.now().UTC(),
		message:          op,
		amounts:          make(map[string]string),
		ledgers:          make(map[model.Side]model.PoolLedger),
		positions:        make(map[uint64]*model.PerpPosition),
		options:          make(map[uint64]*model.OptionPosition),
		withdrawals:      make(map[uint64]*model.PendingWithdrawal),
		nextWithdrawalID: e.nextWithdrawalID,
	}
}

// record adds an amount to the journal entry and the success log line.
func (t *txn) record(key string, v fixed.Int) {
	t.amounts[key] = v.String()
}

// note adds a non-numeric attribute to the journal entry.
func (t *txn) note(key, value string) {
	t.amounts[key] = value
}

// compensate registers fn to undo an external effect on rollback.
func (t *txn) compensate(fn func(ctx context.Context) error) {
	t.compensations = append(t.compensations, fn)
}

func (t *txn) ledger(side model.Side) *model.PoolLedger {
	l := t.e.ledger(side)
	if _, ok := t.ledgers[side]; !ok {
		t.ledgers[side] = *l
	}
	return l
}

// position returns the live record for id, remembering its original value.
func (t *txn) position(id uint64) (*model.PerpPosition, bool) {
	p, ok := t.e.positions[id]
	if !ok {
		return nil, false
	}
	if _, seen := t.positions[id]; !seen {
		orig := *p
		t.positions[id] = &orig
	}
	return p, true
}

func (t *txn) addPosition(p *model.PerpPosition) {
	if _, seen := t.positions[p.ID]; !seen {
		t.positions[p.ID] = nil
	}
	t.e.positions[p.ID] = p
}

func (t *txn) option(id uint64) (*model.OptionPosition, bool) {
	o, ok := t.e.options[id]
	if !ok {
		return nil, false
	}
	if _, seen := t.options[id]; !seen {
		orig := *o
		t.options[id] = &orig
	}
	return o, true
}

func (t *txn) addOption(o *model.OptionPosition) {
	if _, seen := t.options[o.ID]; !seen {
		t.options[o.ID] = nil
	}
	t.e.options[o.ID] = o
}

func (t *txn) withdrawal(id uint64) (*model.PendingWithdrawal, bool) {
	w, ok := t.e.withdrawals[id]
	if !ok {
		return nil, false
	}
	if _, seen := t.withdrawals[id]; !seen {
		orig := *w
		t.withdrawals[id] = &orig
	}
	return w, true
}

func (t *txn) addWithdrawal(w *model.PendingWithdrawal) {
	if _, seen := t.withdrawals[w.ID]; !seen {
		t.withdrawals[w.ID] = nil
	}
	t.e.withdrawals[w.ID] = w
}

func (t *txn) deleteWithdrawal(id uint64) {
	if _, ok := t.withdrawal(id); ok {
		delete(t.e.withdrawals, id)
	}
}

func (t *txn) epochState() *model.EpochState {
	if t.epoch == nil {
		orig := t.e.epoch.Clone()
		t.epoch = &orig
	}
	return &t.e.epoch
}

// rollback undoes external effects in reverse order, then restores every
// touched record.
func (t *txn) rollback() {
	ctx := context.WithoutCancel(t.ctx)
	for i := len(t.compensations) - 1; i >= 0; i-- {
		if err := t.compensations[i](ctx); err != nil {
			t.e.log.Error("compensation failed", "op", t.op, "account", t.account, "err", err)
		}
	}

	for side, l := range t.ledgers {
		*t.e.ledger(side) = l
	}
	for id, orig := range t.positions {
		if orig == nil {
			delete(t.e.positions, id)
		} else {
			t.e.positions[id] = orig
		}
	}
	for id, orig := range t.options {
		if orig == nil {
			delete(t.e.options, id)
		} else {
			t.e.options[id] = orig
		}
	}
	for id, orig := range t.withdrawals {
		if orig == nil {
			delete(t.e.withdrawals, id)
		} else {
			t.e.withdrawals[id] = orig
		}
	}
	if t.epoch != nil {
		t.e.epoch = *t.epoch
	}
	t.e.nextWithdrawalID = t.nextWithdrawalID
}

// commit persists the changeset and logs the operation.
func (t *txn) commit() (model.JournalEntry, error) {
	entry := model.JournalEntry{
		ID:        uuid.New().String(),
		Op:        t.op,
		Account:   t.account,
		Ref:       t.ref,
		Amounts:   t.amounts,
		Timestamp: t.now,
	}

	if t.e.store != nil {
		if err := t.e.store.Commit(t.ctx, t.changeset(entry)); err != nil {
			return model.JournalEntry{}, err
		}
	}

	attrs := []any{"op", t.op, "account", t.account}
	if t.ref != 0 {
		attrs = append(attrs, "ref", t.ref)
	}
	keys := make([]string, 0, len(t.amounts))
	for k := range t.amounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, t.amounts[k])
	}
	t.e.log.Info(t.message, attrs...)

	return entry, nil
}

func (t *txn) changeset(entry model.JournalEntry) model.Changeset {
	cs := model.Changeset{
		NextWithdrawalID: t.e.nextWithdrawalID,
		Journal:          entry,
	}

	for _, side := range []model.Side{model.SideQuote, model.SideBase} {
		if _, ok := t.ledgers[side]; ok {
			cs.Ledgers = append(cs.Ledgers, *t.e.ledger(side))
		}
	}
	for _, id := range sortedKeys(t.positions) {
		if p, ok := t.e.positions[id]; ok {
			cs.Positions = append(cs.Positions, *p)
		}
	}
	for _, id := range sortedKeys(t.options) {
		if o, ok := t.e.options[id]; ok {
			cs.Options = append(cs.Options, *o)
		}
	}
	for _, id := range sortedKeys(t.withdrawals) {
		if w, ok := t.e.withdrawals[id]; ok {
			cs.Withdrawals = append(cs.Withdrawals, *w)
		} else if t.withdrawals[id] != nil {
			cs.DeletedWithdrawals = append(cs.DeletedWithdrawals, id)
		}
	}
	if t.epoch != nil {
		ep := t.e.epoch.Clone()
		cs.Epoch = &ep
	}
	return cs
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
