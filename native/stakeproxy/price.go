package stakeproxy

import (
	"fmt"

	"github.com/holiman/uint256"

	"stakeproxy/native/stakeproxy/pool"
)

// CurrencyToShares converts a currency amount to pool shares at price,
// rounding down: floor(amount * 10^24 / price). The multiply uses a 512-bit
// intermediate so it cannot overflow before the divide.
func CurrencyToShares(amount, price *uint256.Int) (*uint256.Int, error) {
	if isZero(price) {
		return nil, ErrPriceUnavailable
	}
	shares, overflow := new(uint256.Int).MulDivOverflow(orZero(amount), pool.PriceDenominator(), price)
	if overflow {
		return nil, fmt.Errorf("stakeproxy: share conversion overflow for %s at price %s", orZero(amount).Dec(), price.Dec())
	}
	return shares, nil
}

// SharesToCurrency values shares at price, rounding down.
func SharesToCurrency(shares, price *uint256.Int) (*uint256.Int, error) {
	if isZero(price) {
		return nil, ErrPriceUnavailable
	}
	amount, overflow := new(uint256.Int).MulDivOverflow(orZero(shares), price, pool.PriceDenominator())
	if overflow {
		return nil, fmt.Errorf("stakeproxy: currency conversion overflow for %s shares at price %s", orZero(shares).Dec(), price.Dec())
	}
	return amount, nil
}
