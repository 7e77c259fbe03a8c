// Package oracle defines the price, volatility and premium collaborators the
// engine reads from, together with the implementations the server runs with.
//
// Prices are 1e8-scaled USD. Volatility is an annualized percentage times 1e8
// (80% == 8_000_000_000). Premiums are 1e8-scaled USD per one unit of the
// base asset.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/optionperps/engine/internal/fixed"
)

var (
	// ErrNoPrice is returned before the first price has been observed.
	ErrNoPrice = errors.New("oracle: no price available")

	// ErrStalePrice is returned when the last observed price is too old.
	ErrStalePrice = errors.New("oracle: price is stale")

	// ErrInvalidPrice is returned for non-positive prices.
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// PriceFeed supplies the mark price.
type PriceFeed interface {
	MarkPrice(ctx context.Context) (fixed.Int, error)
}

// VolatilityFeed supplies implied volatility for a strike.
type VolatilityFeed interface {
	Volatility(ctx context.Context, strike fixed.Int) (fixed.Int, error)
}

// PremiumOracle prices a European option on one unit of the base asset.
type PremiumOracle interface {
	OptionPrice(ctx context.Context, isPut bool, expiry time.Time, spot, strike, vol fixed.Int) (fixed.Int, error)
}

// StaticFeed is a PriceFeed whose price is set explicitly. Used by tests,
// by the dev server, and as the fallback when no stream is configured.
type StaticFeed struct {
	mu    sync.RWMutex
	price fixed.Int
}

// NewStaticFeed returns a feed reporting price.
func NewStaticFeed(price fixed.Int) *StaticFeed {
	return &StaticFeed{price: price}
}

// Set replaces the mark price.
func (f *StaticFeed) Set(price fixed.Int) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	f.price = price
	f.mu.Unlock()
	return nil
}

func (f *StaticFeed) MarkPrice(_ context.Context) (fixed.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.price.IsPositive() {
		return fixed.Zero, ErrNoPrice
	}
	return f.price, nil
}

// StaticVolatility reports the same implied volatility for every strike.
type StaticVolatility struct {
	vol fixed.Int
}

// NewStaticVolatility returns a flat volatility surface.
func NewStaticVolatility(vol fixed.Int) StaticVolatility {
	return StaticVolatility{vol: vol}
}

func (v StaticVolatility) Volatility(_ context.Context, _ fixed.Int) (fixed.Int, error) {
	return v.vol, nil
}
