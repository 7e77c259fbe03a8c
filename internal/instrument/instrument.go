// Package instrument handles trading pair and option ticker parsing and
// formatting.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionperps/engine/internal/fixed"
)

// Option kinds as they appear in tickers.
const (
	KindCall = "C"
	KindPut  = "P"
)

// tickerRegex matches: {BASE}-{YYYYMMDD}-{strike}-{C|P}
// Example: ETH-20250815-1500-P
var tickerRegex = regexp.MustCompile(
	`^([A-Z0-9]{2,10})-(\d{8})-(\d+(?:\.\d{1,8})?)-([CP])$`,
)

var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

var (
	ErrInvalidTicker = errors.New("instrument: invalid ticker format")
	ErrInvalidPair   = errors.New("instrument: invalid pair")
)

// Pair is the base/quote asset pair the engine trades.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// ParsePair parses "BASE/QUOTE", e.g. ETH/USDC. Symbols are upper-cased.
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "/")
	if !ok {
		return Pair{}, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidPair, s)
	}
	if !symbolRegex.MatchString(base) || !symbolRegex.MatchString(quote) {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, s)
	}
	if base == quote {
		return Pair{}, fmt.Errorf("%w: base and quote are both %s", ErrInvalidPair, base)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// Option is a parsed option ticker.
type Option struct {
	Ticker string    `json:"ticker"`
	Base   string    `json:"base"`
	Expiry time.Time `json:"expiry"`
	Strike fixed.Int `json:"strike"` // 1e8-scaled USD
	IsPut  bool      `json:"is_put"`
}

// OptionTicker formats the ticker for an option on base. Expiry is rendered
// as its UTC date; strike is 1e8-scaled.
func OptionTicker(base string, expiry time.Time, strike fixed.Int, isPut bool) string {
	kind := KindCall
	if isPut {
		kind = KindPut
	}
	return fmt.Sprintf("%s-%s-%s-%s",
		strings.ToUpper(base),
		expiry.UTC().Format("20060102"),
		strike.Shift(fixed.Decimals),
		kind,
	)
}

// ParseOptionTicker parses and validates an option ticker string.
// Format: {BASE}-{YYYYMMDD}-{strike}-{C|P}
func ParseOptionTicker(ticker string) (*Option, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-{YYYYMMDD}-{strike}-{C|P})",
			ErrInvalidTicker, ticker)
	}

	expiry, err := time.Parse("20060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, matches[2])
	}

	strike, err := decimal.NewFromString(matches[3])
	if err != nil || !strike.IsPositive() {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidTicker, matches[3])
	}

	return &Option{
		Ticker: ticker,
		Base:   matches[1],
		Expiry: expiry,
		Strike: fixed.FromDecimal(strike.Shift(fixed.Decimals)),
		IsPut:  matches[4] == KindPut,
	}, nil
}
