package stakeproxy

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"stakeproxy/native/stakeproxy/pool"
)

func TestCurrencyToSharesRoundsDownAndIsMonotonic(t *testing.T) {
	// 1.428571... currency per share.
	price := new(uint256.Int).Div(new(uint256.Int).Mul(pool.PriceDenominator(), uint256.NewInt(10)), uint256.NewInt(7))
	prev := new(uint256.Int)
	for amount := uint64(0); amount <= 2000; amount++ {
		a := uint256.NewInt(amount)
		shares, err := CurrencyToShares(a, price)
		if err != nil {
			t.Fatalf("convert %d: %v", amount, err)
		}
		if shares.Lt(prev) {
			t.Fatalf("conversion not monotonic at %d", amount)
		}
		lhs := new(uint256.Int).Mul(shares, price)
		rhs := new(uint256.Int).Mul(a, pool.PriceDenominator())
		if lhs.Gt(rhs) {
			t.Fatalf("conversion rounded up at %d: %s shares", amount, shares.Dec())
		}
		prev = shares
	}
}

func TestCurrencyToSharesWideIntermediate(t *testing.T) {
	// amount * 10^24 overflows 256 bits but the quotient fits.
	amount := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	price := new(uint256.Int).Mul(pool.PriceDenominator(), uint256.NewInt(4))
	shares, err := CurrencyToShares(amount, price)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 198)
	if !shares.Eq(want) {
		t.Fatalf("expected %s, got %s", want.Dec(), shares.Dec())
	}
	back, err := SharesToCurrency(shares, price)
	if err != nil || !back.Eq(amount) {
		t.Fatalf("unexpected round trip %v %v", back, err)
	}
}

func TestConversionRejectsZeroPrice(t *testing.T) {
	if _, err := CurrencyToShares(uint256.NewInt(1), new(uint256.Int)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := SharesToCurrency(uint256.NewInt(1), nil); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestSaturatingArithmetic(t *testing.T) {
	if got := saturatingSub(uint256.NewInt(5), uint256.NewInt(9)); !got.IsZero() {
		t.Fatalf("expected clamp at zero, got %s", got.Dec())
	}
	if got := saturatingSub(uint256.NewInt(9), uint256.NewInt(5)); got.Uint64() != 4 {
		t.Fatalf("expected 4, got %s", got.Dec())
	}
	top := new(uint256.Int).SetAllOne()
	if got := saturatingAdd(top, uint256.NewInt(1)); !got.Eq(top) {
		t.Fatalf("expected clamp at max, got %s", got.Dec())
	}
	if got := saturatingAdd(nil, uint256.NewInt(3)); got.Uint64() != 3 {
		t.Fatalf("nil operand must act as zero")
	}
	if got := minInt(uint256.NewInt(3), uint256.NewInt(8)); got.Uint64() != 3 {
		t.Fatalf("unexpected min %s", got.Dec())
	}
}
