package instrument

import (
	"errors"
	"testing"
	"time"

	"github.com/optionperps/engine/internal/fixed"
)

func TestParsePair_Valid(t *testing.T) {
	p, err := ParsePair("eth/usdc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Base != "ETH" || p.Quote != "USDC" {
		t.Errorf("expected ETH/USDC, got %s", p)
	}
	if p.String() != "ETH/USDC" {
		t.Errorf("expected ETH/USDC, got %s", p.String())
	}
}

func TestParsePair_Invalid(t *testing.T) {
	tests := []string{
		"",
		"ETH",
		"ETH-USDC",
		"ETH/",
		"/USDC",
		"ETH/ETH",
		"E/USDC",
		"ETH/US DC",
	}
	for _, s := range tests {
		if _, err := ParsePair(s); !errors.Is(err, ErrInvalidPair) {
			t.Errorf("expected ErrInvalidPair for %q, got %v", s, err)
		}
	}
}

func TestOptionTicker(t *testing.T) {
	expiry := time.Date(2025, 8, 15, 8, 0, 0, 0, time.UTC)

	put := OptionTicker("eth", expiry, fixed.Units(1500, fixed.Decimals), true)
	if put != "ETH-20250815-1500-P" {
		t.Errorf("expected ETH-20250815-1500-P, got %s", put)
	}

	call := OptionTicker("ETH", expiry, fixed.MustParse("150050000000"), false)
	if call != "ETH-20250815-1500.5-C" {
		t.Errorf("expected ETH-20250815-1500.5-C, got %s", call)
	}
}

func TestParseOptionTicker_Valid(t *testing.T) {
	o, err := ParseOptionTicker("ETH-20250815-1500-P")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Base != "ETH" {
		t.Errorf("expected base=ETH, got %s", o.Base)
	}
	if !o.IsPut {
		t.Error("expected put")
	}
	if !o.Strike.Equal(fixed.Units(1500, fixed.Decimals)) {
		t.Errorf("expected strike 1500e8, got %s", o.Strike)
	}
	expected := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	if !o.Expiry.Equal(expected) {
		t.Errorf("expected expiry=%v, got %v", expected, o.Expiry)
	}
}

func TestParseOptionTicker_RoundTrip(t *testing.T) {
	expiry := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	strike := fixed.MustParse("123456789012")

	ticker := OptionTicker("BTC", expiry, strike, false)
	o, err := ParseOptionTicker(ticker)
	if err != nil {
		t.Fatalf("unexpected error for %s: %v", ticker, err)
	}
	if !o.Strike.Equal(strike) || o.IsPut || !o.Expiry.Equal(expiry) {
		t.Errorf("round trip mismatch: %+v", o)
	}
}

func TestParseOptionTicker_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"ETH-20250815",
		"ETH-20250815-1500",
		"ETH-20250815-1500-X",
		"ETH-2025081-1500-P",
		"ETH-20251315-1500-P", // month 13
		"ETH-20250815-0-P",
		"eth-20250815-1500-P",
	}
	for _, ticker := range tests {
		if _, err := ParseOptionTicker(ticker); err == nil {
			t.Errorf("expected error for ticker %q", ticker)
		}
	}
}
