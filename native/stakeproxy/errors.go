package stakeproxy

import "errors"

var (
	ErrInvalidAmount        = errors.New("stakeproxy: amount must be positive")
	ErrInvalidAccount       = errors.New("stakeproxy: invalid account id")
	ErrBusy                 = errors.New("stakeproxy: operation in flight, try again later")
	ErrInsufficientUnstaked = errors.New("stakeproxy: insufficient unstaked balance")
	ErrInsufficientShares   = errors.New("stakeproxy: insufficient stake shares")
	ErrUnstakeLocked        = errors.New("stakeproxy: unstaked balance not yet available")
	ErrBelowMinimum         = errors.New("stakeproxy: amount below minimum deposit")
	ErrOperationDisabled    = errors.New("stakeproxy: operation disabled for this variant")
	ErrNoStakedBalance      = errors.New("stakeproxy: no staked balance")
	ErrPriceUnavailable     = errors.New("stakeproxy: share price unavailable")
	ErrInDoubt              = errors.New("stakeproxy: earlier pool call outcome unknown, awaiting reconciliation")
	ErrCallNotFound         = errors.New("stakeproxy: no in-doubt call with that id")
	ErrNotApplied           = errors.New("stakeproxy: pool did not apply the call")

	errNilLedger    = errors.New("stakeproxy: ledger not configured")
	errNilScheduler = errors.New("stakeproxy: scheduler not configured")
	errNilBank      = errors.New("stakeproxy: bank not configured")
)
