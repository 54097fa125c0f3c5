// Package pool describes the external staking pool the proxy delegates to.
// Every result crosses the boundary as an opaque JSON payload so callers can
// tell a failed call apart from a successful call whose payload is unusable.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Method names understood by the external pool.
type Method string

const (
	MethodDepositAndStake Method = "deposit_and_stake"
	MethodUnstake         Method = "unstake"
	MethodWithdraw        Method = "withdraw"
	MethodGetSharePrice   Method = "get_share_price"
	MethodGetFeeRate      Method = "get_fee_rate"
)

// MaxFeeBasisPoints bounds the fee rate a pool may report.
const MaxFeeBasisPoints = 10_000

var (
	// ErrUnknownMethod is returned for methods outside the pool surface.
	ErrUnknownMethod = errors.New("pool: unknown method")
	// ErrEmptyPayload indicates a success result that carried no data.
	ErrEmptyPayload = errors.New("pool: empty payload")
)

// Client issues a single call against the pool and returns its raw result.
type Client interface {
	Invoke(ctx context.Context, method Method, params any) (json.RawMessage, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, method Method, params any) (json.RawMessage, error)

// Invoke delegates to the wrapped function.
func (f ClientFunc) Invoke(ctx context.Context, method Method, params any) (json.RawMessage, error) {
	if f == nil {
		return nil, fmt.Errorf("pool: client not configured")
	}
	return f(ctx, method, params)
}

// ParseMethod validates a method name received over the wire.
func ParseMethod(raw string) (Method, error) {
	method := Method(strings.TrimSpace(raw))
	switch method {
	case MethodDepositAndStake, MethodUnstake, MethodWithdraw, MethodGetSharePrice, MethodGetFeeRate:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, raw)
	}
}

// Amount is a 256-bit unsigned quantity encoded as a JSON decimal string.
type Amount uint256.Int

// NewAmount copies the supplied integer into an Amount. Nil yields zero.
func NewAmount(v *uint256.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount(*v)
}

// Int returns a copy of the amount as a uint256.
func (a Amount) Int() *uint256.Int {
	v := uint256.Int(a)
	return &v
}

// String renders the amount in base 10.
func (a Amount) String() string {
	return a.Int().Dec()
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Int().Dec())
}

// UnmarshalJSON accepts a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("amount must not be empty")
	}
	var v uint256.Int
	if err := v.SetFromDecimal(raw); err != nil {
		return fmt.Errorf("parse amount %q: %w", raw, err)
	}
	*a = Amount(v)
	return nil
}

// AmountParams carries the currency amount for deposit_and_stake and withdraw.
type AmountParams struct {
	Amount Amount `json:"amount"`
}

// SharesParams carries the share count for unstake.
type SharesParams struct {
	Shares Amount `json:"shares"`
}

// UnstakeResult is the success payload of an unstake call.
type UnstakeResult struct {
	Amount      Amount `json:"amount"`
	UnlockEpoch uint64 `json:"unlock_epoch"`
}

// DecodeAmount parses a payload holding a single decimal amount.
func DecodeAmount(payload json.RawMessage) (*uint256.Int, error) {
	if isEmpty(payload) {
		return nil, ErrEmptyPayload
	}
	var amount Amount
	if err := json.Unmarshal(payload, &amount); err != nil {
		return nil, err
	}
	return amount.Int(), nil
}

// DecodeUnstake parses the unstake payload. Both fields are mandatory; the
// unlock epoch reported by the pool is authoritative.
func DecodeUnstake(payload json.RawMessage) (UnstakeResult, error) {
	if isEmpty(payload) {
		return UnstakeResult{}, ErrEmptyPayload
	}
	var wire struct {
		Amount      *Amount `json:"amount"`
		UnlockEpoch *uint64 `json:"unlock_epoch"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return UnstakeResult{}, err
	}
	if wire.Amount == nil {
		return UnstakeResult{}, fmt.Errorf("unstake payload missing amount")
	}
	if wire.UnlockEpoch == nil {
		return UnstakeResult{}, fmt.Errorf("unstake payload missing unlock_epoch")
	}
	return UnstakeResult{Amount: *wire.Amount, UnlockEpoch: *wire.UnlockEpoch}, nil
}

// DecodeFeeRate parses the fee payload, a bare JSON number of basis points.
func DecodeFeeRate(payload json.RawMessage) (uint16, error) {
	if isEmpty(payload) {
		return 0, ErrEmptyPayload
	}
	var bps uint64
	if err := json.Unmarshal(payload, &bps); err != nil {
		return 0, err
	}
	if bps > MaxFeeBasisPoints {
		return 0, fmt.Errorf("fee rate %d exceeds %d bps", bps, MaxFeeBasisPoints)
	}
	return uint16(bps), nil
}

func isEmpty(payload json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(payload))
	return trimmed == "" || trimmed == "null"
}

// decodeParams normalises in-process and wire params into the target struct.
func decodeParams(params any, target any) error {
	var raw []byte
	switch v := params.(type) {
	case nil:
		return fmt.Errorf("params required")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		raw = encoded
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
