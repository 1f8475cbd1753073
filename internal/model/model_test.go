package model

import (
	"errors"
	"testing"
)

func TestParseSide(t *testing.T) {
	cases := map[string]Side{"Yes": SideYes, " no ": SideNo, "0": SideYes, "1": SideNo}
	for in, want := range cases {
		got, err := ParseSide(in)
		if err != nil || got != want {
			t.Fatalf("ParseSide(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseSide("maybe"); !errors.Is(err, ErrInvalidTradeData) {
		t.Fatalf("expected ErrInvalidTradeData, got %v", err)
	}
}

func TestFlagsString(t *testing.T) {
	if Flags(0).String() != "-" {
		t.Fatalf("empty flags should render as -")
	}
	f := FlagNumericInstability | FlagNormalApproximation
	if got := f.String(); got != "numeric_instability,normal_approximation" {
		t.Fatalf("unexpected flags string %q", got)
	}
	if !f.Has(FlagNormalApproximation) || f.Has(FlagPValueUnderflow) {
		t.Fatalf("Has mismatch for %v", f)
	}
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("0xbb", "0xaa")
	if a != "0xaa" || b != "0xbb" {
		t.Fatalf("pair not canonical: %s %s", a, b)
	}
}

func TestIncompleteMarketErrorUnwraps(t *testing.T) {
	err := error(&IncompleteMarketError{Wallet: "w", MarketID: "m", TradeID: "t"})
	if !errors.Is(err, ErrIncompleteMarketData) {
		t.Fatal("IncompleteMarketError should unwrap to ErrIncompleteMarketData")
	}
}
