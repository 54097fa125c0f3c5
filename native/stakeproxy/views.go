package stakeproxy

import (
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// AccountView is the read-only summary of an account.
type AccountView struct {
	Account                      string
	Unstaked                     *uint256.Int
	UnstakedPendingExternal      *uint256.Int
	StakeShares                  *uint256.Int
	StakedBalance                *uint256.Int
	UnstakedAvailableEpochHeight uint64
	CanWithdraw                  bool
	Busy                         bool
	// InDoubt lists calls awaiting reconciliation. New guarded operations
	// are refused while it is non-empty.
	InDoubt []string
}

// Totals summarises proxy-wide state.
type Totals struct {
	TotalStakeShares *uint256.Int
	SharePrice       *uint256.Int
	FeeBasisPoints   uint16
	Paused           bool
	Accounts         int
	GuardsHeld       []string
	InDoubtCalls     int
	CurrentEpoch     uint64
	Digest           string
}

// Account returns the caller's balances valued at the cached share price.
func (e *Engine) Account(caller string) (*AccountView, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id, acc, err := e.resolveAccount(caller)
	if err != nil {
		return nil, err
	}
	contract, err := e.ledger.Contract()
	if err != nil {
		return nil, err
	}
	staked, err := SharesToCurrency(acc.StakeShares, contract.SharePrice)
	if err != nil {
		return nil, err
	}
	doubtful, err := e.ledger.InDoubtFor(id)
	if err != nil {
		return nil, err
	}
	callIDs := make([]string, 0, len(doubtful))
	for _, c := range doubtful {
		callIDs = append(callIDs, c.CallID)
	}
	return &AccountView{
		Account:                      id,
		Unstaked:                     acc.Unstaked.Clone(),
		UnstakedPendingExternal:      acc.UnstakedPendingExternal.Clone(),
		StakeShares:                  acc.StakeShares.Clone(),
		StakedBalance:                staked,
		UnstakedAvailableEpochHeight: acc.UnstakedAvailableEpochHeight,
		CanWithdraw:                  acc.UnstakedAvailableEpochHeight <= e.epochs.Current(),
		Busy:                         e.guard.Held(id),
		InDoubt:                      callIDs,
	}, nil
}

// Totals returns the contract-wide view.
func (e *Engine) Totals() (*Totals, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	contract, err := e.ledger.Contract()
	if err != nil {
		return nil, err
	}
	count, err := e.ledger.Count()
	if err != nil {
		return nil, err
	}
	digest, err := e.ledger.Digest()
	if err != nil {
		return nil, err
	}
	doubtful, err := e.ledger.InDoubtCalls()
	if err != nil {
		return nil, err
	}
	return &Totals{
		TotalStakeShares: contract.TotalStakeShares.Clone(),
		SharePrice:       contract.SharePrice.Clone(),
		FeeBasisPoints:   contract.FeeBasisPoints,
		Paused:           contract.Paused,
		Accounts:         count,
		GuardsHeld:       e.guard.HeldKeys(),
		InDoubtCalls:     len(doubtful),
		CurrentEpoch:     e.epochs.Current(),
		Digest:           hex.EncodeToString(digest[:]),
	}, nil
}

// CheckInvariants verifies that the contract share total matches the sum of
// account shares. It only holds while no operation is in flight.
func (e *Engine) CheckInvariants() error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	contract, err := e.ledger.Contract()
	if err != nil {
		return err
	}
	sum, err := e.ledger.SumShares()
	if err != nil {
		return err
	}
	if !sum.Eq(contract.TotalStakeShares) {
		return fmt.Errorf("stakeproxy: total shares %s do not match account sum %s", contract.TotalStakeShares.Dec(), sum.Dec())
	}
	return nil
}
