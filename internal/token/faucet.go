package token

import (
	"context"
	"fmt"

	"github.com/optionperps/engine/internal/fixed"
)

// Faucet mints test balances on the in-memory asset ledgers.
type Faucet struct {
	quote *Ledger
	base  *Ledger
}

func NewFaucet(quote, base *Ledger) *Faucet {
	return &Faucet{quote: quote, base: base}
}

// Credit mints amount of asset to account.
func (f *Faucet) Credit(ctx context.Context, account string, asset Asset, amount fixed.Int) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	switch asset {
	case Quote:
		return f.quote.Mint(ctx, account, amount)
	case Base:
		return f.base.Mint(ctx, account, amount)
	}
	return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
}
