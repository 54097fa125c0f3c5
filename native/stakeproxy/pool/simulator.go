package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var priceDenominator = mustDecimal("1000000000000000000000000")

// PriceDenominator returns the fixed-point scale of share prices (10^24).
// Each call returns a fresh copy.
func PriceDenominator() *uint256.Int { return priceDenominator.Clone() }

// DefaultUnlockEpochs is the unstake delay applied by the simulator.
const DefaultUnlockEpochs = 4

var (
	// ErrInjectedFailure is returned when a fault was scheduled for a method.
	ErrInjectedFailure = errors.New("pool: injected failure")
	// ErrNotUnlocked is returned when a withdraw arrives before the unlock epoch.
	ErrNotUnlocked = errors.New("pool: unstaked balance still locked")
	// ErrInsufficientFunds is returned when the pool cannot satisfy a request.
	ErrInsufficientFunds = errors.New("pool: insufficient funds")
)

// Simulator is an in-process staking pool holding the proxy's custodial
// position. It mirrors the behaviour of a liquid staking pool closely enough
// to drive the proxy end to end: shares are minted at the current price,
// unstaked funds unlock after a fixed number of epochs, and faults can be
// injected per method.
type Simulator struct {
	mu sync.Mutex

	epoch        func() uint64
	unlockEpochs uint64

	sharePrice  *uint256.Int
	feeBps      uint16
	totalShares *uint256.Int
	unstaked    *uint256.Int
	unlockEpoch uint64

	failures map[Method]int
	corrupt  map[Method]int
	calls    map[Method]int
}

// SimulatorOption customises the simulator.
type SimulatorOption func(*Simulator)

// WithEpochSource sets the function reporting the current epoch height.
func WithEpochSource(epoch func() uint64) SimulatorOption {
	return func(s *Simulator) {
		if epoch != nil {
			s.epoch = epoch
		}
	}
}

// WithUnlockEpochs overrides the unstake delay.
func WithUnlockEpochs(epochs uint64) SimulatorOption {
	return func(s *Simulator) { s.unlockEpochs = epochs }
}

// WithSharePrice sets the initial share price.
func WithSharePrice(price *uint256.Int) SimulatorOption {
	return func(s *Simulator) {
		if price != nil && !price.IsZero() {
			s.sharePrice = price.Clone()
		}
	}
}

// WithFeeBasisPoints sets the initial fee.
func WithFeeBasisPoints(bps uint16) SimulatorOption {
	return func(s *Simulator) { s.feeBps = bps }
}

// NewSimulator constructs a simulator priced at 1.0 with a 4% fee.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		epoch:        func() uint64 { return 0 },
		unlockEpochs: DefaultUnlockEpochs,
		sharePrice:   priceDenominator.Clone(),
		feeBps:       400,
		totalShares:  new(uint256.Int),
		unstaked:     new(uint256.Int),
		failures:     make(map[Method]int),
		corrupt:      make(map[Method]int),
		calls:        make(map[Method]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke executes the call against the simulated pool.
func (s *Simulator) Invoke(ctx context.Context, method Method, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[method]++
	if s.failures[method] > 0 {
		s.failures[method]--
		return nil, fmt.Errorf("%w: %s", ErrInjectedFailure, method)
	}
	result, err := s.dispatchLocked(method, params)
	if err != nil {
		return nil, err
	}
	if s.corrupt[method] > 0 {
		s.corrupt[method]--
		return json.RawMessage(`{"garbage":true}`), nil
	}
	return json.Marshal(result)
}

func (s *Simulator) dispatchLocked(method Method, params any) (any, error) {
	switch method {
	case MethodDepositAndStake:
		var p AmountParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		amount := p.Amount.Int()
		if amount.IsZero() {
			return nil, fmt.Errorf("pool: deposit amount must be positive")
		}
		shares, overflow := new(uint256.Int).MulDivOverflow(amount, priceDenominator, s.sharePrice)
		if overflow {
			return nil, fmt.Errorf("pool: share computation overflow")
		}
		s.totalShares.Add(s.totalShares, shares)
		return NewAmount(shares), nil
	case MethodUnstake:
		var p SharesParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		shares := p.Shares.Int()
		if shares.IsZero() || shares.Gt(s.totalShares) {
			return nil, fmt.Errorf("%w: shares %s held %s", ErrInsufficientFunds, shares.Dec(), s.totalShares.Dec())
		}
		amount, overflow := new(uint256.Int).MulDivOverflow(shares, s.sharePrice, priceDenominator)
		if overflow {
			return nil, fmt.Errorf("pool: amount computation overflow")
		}
		s.totalShares.Sub(s.totalShares, shares)
		s.unstaked.Add(s.unstaked, amount)
		s.unlockEpoch = s.epoch() + s.unlockEpochs
		return UnstakeResult{Amount: NewAmount(amount), UnlockEpoch: s.unlockEpoch}, nil
	case MethodWithdraw:
		var p AmountParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		amount := p.Amount.Int()
		if s.epoch() < s.unlockEpoch {
			return nil, fmt.Errorf("%w until epoch %d", ErrNotUnlocked, s.unlockEpoch)
		}
		if amount.Gt(s.unstaked) {
			return nil, fmt.Errorf("%w: requested %s available %s", ErrInsufficientFunds, amount.Dec(), s.unstaked.Dec())
		}
		s.unstaked.Sub(s.unstaked, amount)
		return NewAmount(amount), nil
	case MethodGetSharePrice:
		return NewAmount(s.sharePrice), nil
	case MethodGetFeeRate:
		return s.feeBps, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// SetSharePrice updates the share price, e.g. to simulate accrued rewards.
func (s *Simulator) SetSharePrice(price *uint256.Int) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("pool: share price must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharePrice = price.Clone()
	return nil
}

// SetFeeBasisPoints updates the reported fee.
func (s *Simulator) SetFeeBasisPoints(bps uint16) error {
	if bps > MaxFeeBasisPoints {
		return fmt.Errorf("pool: fee %d exceeds %d bps", bps, MaxFeeBasisPoints)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeBps = bps
	return nil
}

// FailNext makes the next n calls of method fail.
func (s *Simulator) FailNext(method Method, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] += n
}

// CorruptNext makes the next n successful calls of method return an
// undecodable payload.
func (s *Simulator) CorruptNext(method Method, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[method] += n
}

// Calls reports how many times method was invoked.
func (s *Simulator) Calls(method Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Snapshot summarises the proxy's position inside the pool.
type Snapshot struct {
	SharePrice     Amount `json:"share_price"`
	FeeBasisPoints uint16 `json:"fee_basis_points"`
	TotalShares    Amount `json:"total_shares"`
	Unstaked       Amount `json:"unstaked"`
	UnlockEpoch    uint64 `json:"unlock_epoch"`
}

// Snapshot returns the current pool position.
func (s *Simulator) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SharePrice:     NewAmount(s.sharePrice),
		FeeBasisPoints: s.feeBps,
		TotalShares:    NewAmount(s.totalShares),
		Unstaked:       NewAmount(s.unstaked),
		UnlockEpoch:    s.unlockEpoch,
	}
}

func mustDecimal(value string) *uint256.Int {
	v := new(uint256.Int)
	if err := v.SetFromDecimal(value); err != nil {
		panic("invalid uint256 constant")
	}
	return v
}
