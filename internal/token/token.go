// Package token defines the asset, LP share, ownership and swap collaborators
// the engine moves value through, and the in-memory implementations used by
// the dev server and tests.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/optionperps/engine/internal/fixed"
)

var (
	// ErrInsufficientBalance is returned when an account cannot cover a
	// transfer or burn.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrInsufficientAllowance is returned when a spender is not approved
	// for the amount pulled.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("token: amount must not be negative")

	// ErrUnknownToken is returned for ids that were never minted.
	ErrUnknownToken = errors.New("token: unknown token id")

	// ErrUnknownAsset is returned by routers for assets they cannot swap.
	ErrUnknownAsset = errors.New("token: unknown asset")
)

// Asset names one of the two fungible assets of the pair.
type Asset string

const (
	Quote Asset = "quote"
	Base  Asset = "base"
)

// TokenLedger moves a fungible asset between accounts.
type TokenLedger interface {
	// TransferFrom pulls amount from `from` into `to`, spending `to`'s allowance.
	TransferFrom(ctx context.Context, from, to string, amount fixed.Int) error
	// Transfer pushes amount from `from` to `to`.
	Transfer(ctx context.Context, from, to string, amount fixed.Int) error
	BalanceOf(ctx context.Context, account string) (fixed.Int, error)
}

// LpShareLedger is the LP share token of one pool.
type LpShareLedger interface {
	Mint(ctx context.Context, to string, amount fixed.Int) error
	BurnFrom(ctx context.Context, owner string, amount fixed.Int) error
	TotalSupply(ctx context.Context) (fixed.Int, error)
	BalanceOf(ctx context.Context, owner string) (fixed.Int, error)
}

// OwnershipRegistry tracks who may act on a position id.
type OwnershipRegistry interface {
	Mint(ctx context.Context, to string) (uint64, error)
	OwnerOf(ctx context.Context, id uint64) (string, error)
}

// SwapRouter converts one asset into an exact amount of the other, spending
// from account.
type SwapRouter interface {
	SwapExactOut(ctx context.Context, account string, from, to Asset, amountOut fixed.Int) (amountIn fixed.Int, err error)
}

// Ledger is an in-memory fungible token. It satisfies both TokenLedger and
// LpShareLedger.
type Ledger struct {
	Symbol string
	// EnforceAllowance makes TransferFrom require a prior Approve.
	EnforceAllowance bool

	mu         sync.RWMutex
	balances   map[string]fixed.Int
	allowances map[string]map[string]fixed.Int
	supply     fixed.Int
}

// NewLedger creates an empty token.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		Symbol:     symbol,
		balances:   make(map[string]fixed.Int),
		allowances: make(map[string]map[string]fixed.Int),
	}
}

// Approve sets spender's allowance over owner's balance.
func (l *Ledger) Approve(_ context.Context, owner, spender string, amount fixed.Int) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]fixed.Int)
	}
	l.allowances[owner][spender] = amount
	return nil
}

func (l *Ledger) TransferFrom(_ context.Context, from, to string, amount fixed.Int) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.EnforceAllowance {
		allowed := l.allowances[from][to]
		if allowed.LessThan(amount) {
			return fmt.Errorf("%w: %s allowed %s, need %s", ErrInsufficientAllowance, l.Symbol, allowed, amount)
		}
		l.allowances[from][to] = allowed.Sub(amount)
	}
	return l.move(from, to, amount)
}

func (l *Ledger) Transfer(_ context.Context, from, to string, amount fixed.Int) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// move must be called with l.mu held.
func (l *Ledger) move(from, to string, amount fixed.Int) error {
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s %s has %s, need %s", ErrInsufficientBalance, l.Symbol, from, bal, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *Ledger) Mint(_ context.Context, to string, amount fixed.Int) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[to] = l.balances[to].Add(amount)
	l.supply = l.supply.Add(amount)
	return nil
}

func (l *Ledger) BurnFrom(_ context.Context, owner string, amount fixed.Int) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[owner]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s %s has %s, need %s", ErrInsufficientBalance, l.Symbol, owner, bal, amount)
	}
	l.balances[owner] = bal.Sub(amount)
	l.supply = l.supply.Sub(amount)
	return nil
}

func (l *Ledger) TotalSupply(_ context.Context) (fixed.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply, nil
}

func (l *Ledger) BalanceOf(_ context.Context, account string) (fixed.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

// Registry is an in-memory OwnershipRegistry. Ids start at 1.
type Registry struct {
	mu     sync.RWMutex
	owners map[uint64]string
	next   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[uint64]string), next: 1}
}

func (r *Registry) Mint(_ context.Context, to string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	r.owners[id] = to
	return id, nil
}

func (r *Registry) OwnerOf(_ context.Context, id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	return owner, nil
}

// Transfer moves id from `from` to `to`.
func (r *Registry) Transfer(_ context.Context, from, to string, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	if owner != from {
		return fmt.Errorf("token: %s does not own %d", from, id)
	}
	r.owners[id] = to
	return nil
}

// Restore re-registers an existing id, e.g. when rebuilding from storage.
func (r *Registry) Restore(id uint64, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.owners[id] = owner
	if id >= r.next {
		r.next = id + 1
	}
}
