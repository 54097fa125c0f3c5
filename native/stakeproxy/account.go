// Package stakeproxy implements a ledger that fronts an external staking pool.
// Users deposit currency, stake it into the pool, unstake, and withdraw. Every
// pool interaction is asynchronous: operations validate and schedule a call,
// and a callback later commits or rolls back the ledger against the outcome.
package stakeproxy

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const (
	minAccountIDLength = 2
	maxAccountIDLength = 64
)

// Account is the proxy's view of a single user's position.
type Account struct {
	// Unstaked is currency held locally and withdrawable once unlocked.
	Unstaked *uint256.Int
	// UnstakedPendingExternal is currency the pool reported as unstaked that
	// has not been recalled into local custody yet.
	UnstakedPendingExternal *uint256.Int
	// StakeShares are pool shares attributed to the account.
	StakeShares *uint256.Int
	// UnstakedAvailableEpochHeight is the first epoch at which unstaked funds
	// may be withdrawn.
	UnstakedAvailableEpochHeight uint64
}

func newAccount() *Account {
	return &Account{
		Unstaked:                new(uint256.Int),
		UnstakedPendingExternal: new(uint256.Int),
		StakeShares:             new(uint256.Int),
	}
}

func (a *Account) ensure() {
	if a.Unstaked == nil {
		a.Unstaked = new(uint256.Int)
	}
	if a.UnstakedPendingExternal == nil {
		a.UnstakedPendingExternal = new(uint256.Int)
	}
	if a.StakeShares == nil {
		a.StakeShares = new(uint256.Int)
	}
}

// IsEmpty reports whether the account holds nothing. Empty accounts are never
// persisted.
func (a *Account) IsEmpty() bool {
	if a == nil {
		return true
	}
	return isZero(a.Unstaked) && isZero(a.UnstakedPendingExternal) && isZero(a.StakeShares)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := newAccount()
	if a.Unstaked != nil {
		clone.Unstaked.Set(a.Unstaked)
	}
	if a.UnstakedPendingExternal != nil {
		clone.UnstakedPendingExternal.Set(a.UnstakedPendingExternal)
	}
	if a.StakeShares != nil {
		clone.StakeShares.Set(a.StakeShares)
	}
	clone.UnstakedAvailableEpochHeight = a.UnstakedAvailableEpochHeight
	return clone
}

// TotalUnstaked returns Unstaked + UnstakedPendingExternal, saturating.
func (a *Account) TotalUnstaked() *uint256.Int {
	return saturatingAdd(a.Unstaked, a.UnstakedPendingExternal)
}

// NormalizeAccountID trims and lowercases the identifier and checks it
// against the allowed alphabet.
func NormalizeAccountID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if len(id) < minAccountIDLength || len(id) > maxAccountIDLength {
		return "", fmt.Errorf("%w: length must be between %d and %d", ErrInvalidAccount, minAccountIDLength, maxAccountIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidAccount, r)
		}
	}
	return id, nil
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
