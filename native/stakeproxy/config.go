package stakeproxy

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Variant selects which user operations the proxy exposes.
type Variant uint8

const (
	// VariantDirect enables the staged deposit and stake calls alongside
	// deposit_and_stake.
	VariantDirect Variant = iota
	// VariantCustodial serves time-locked callers. Only deposit_and_stake is
	// available and it enforces a minimum.
	VariantCustodial
)

// String renders the variant as used in configuration.
func (v Variant) String() string {
	switch v {
	case VariantCustodial:
		return "custodial"
	default:
		return "direct"
	}
}

// ParseVariant parses "direct" or "custodial". Empty selects direct.
func ParseVariant(raw string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "direct":
		return VariantDirect, nil
	case "custodial":
		return VariantCustodial, nil
	default:
		return VariantDirect, fmt.Errorf("stakeproxy: unknown variant %q", raw)
	}
}

// Params carries the engine's static configuration.
type Params struct {
	Variant    Variant
	GuardScope GuardScope
	// MinDepositAndStake applies to custodial deposit_and_stake only.
	MinDepositAndStake *uint256.Int

	// Per-call budgets handed to the scheduler.
	StakeBudget    time.Duration
	UnstakeBudget  time.Duration
	WithdrawBudget time.Duration
	QueryBudget    time.Duration
}

// DefaultParams returns the direct variant with account-scoped guards.
func DefaultParams() Params {
	return Params{
		Variant:            VariantDirect,
		GuardScope:         GuardScopeAccount,
		MinDepositAndStake: new(uint256.Int),
		StakeBudget:        30 * time.Second,
		UnstakeBudget:      30 * time.Second,
		WithdrawBudget:     30 * time.Second,
		QueryBudget:        10 * time.Second,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.MinDepositAndStake == nil {
		p.MinDepositAndStake = def.MinDepositAndStake
	}
	if p.StakeBudget <= 0 {
		p.StakeBudget = def.StakeBudget
	}
	if p.UnstakeBudget <= 0 {
		p.UnstakeBudget = def.UnstakeBudget
	}
	if p.WithdrawBudget <= 0 {
		p.WithdrawBudget = def.WithdrawBudget
	}
	if p.QueryBudget <= 0 {
		p.QueryBudget = def.QueryBudget
	}
	return p
}
