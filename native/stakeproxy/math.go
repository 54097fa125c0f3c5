package stakeproxy

import "github.com/holiman/uint256"

// saturatingAdd returns a+b clamped to the maximum 256-bit value. Nil operands
// are treated as zero.
func saturatingAdd(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if a != nil {
		out.Set(a)
	}
	if b == nil {
		return out
	}
	if _, overflow := out.AddOverflow(out, b); overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// saturatingSub returns a-b clamped at zero. Nil operands are treated as zero.
func saturatingSub(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if a == nil {
		return out
	}
	if b == nil || !b.Gt(a) {
		return out.Sub(a, orZero(b))
	}
	return out
}

func minInt(a, b *uint256.Int) *uint256.Int {
	if orZero(a).Lt(orZero(b)) {
		return orZero(a).Clone()
	}
	return orZero(b).Clone()
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
