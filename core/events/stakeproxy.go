package events

import (
	"strconv"

	"github.com/holiman/uint256"

	"stakeproxy/core/types"
)

const (
	// TypeProxyDeposited is emitted when attached value is credited locally.
	TypeProxyDeposited = "stakeproxy.deposited"
	// TypeProxyStakeRequested is emitted when a stake call is handed to the pool.
	TypeProxyStakeRequested = "stakeproxy.stake.requested"
	// TypeProxyStaked is emitted when the pool confirms newly issued shares.
	TypeProxyStaked = "stakeproxy.staked"
	// TypeProxyStakeRolledBack is emitted when a failed stake is reverted.
	TypeProxyStakeRolledBack = "stakeproxy.stake.rolledBack"
	// TypeProxyUnstakeRequested is emitted when an unstake call is handed to the pool.
	TypeProxyUnstakeRequested = "stakeproxy.unstake.requested"
	// TypeProxyUnstaked is emitted when the pool confirms an unstake.
	TypeProxyUnstaked = "stakeproxy.unstaked"
	// TypeProxyUnstakeFailed is emitted when the pool rejects an unstake.
	TypeProxyUnstakeFailed = "stakeproxy.unstake.failed"
	// TypeProxyWithdrawRequested is emitted when pending funds are recalled from the pool.
	TypeProxyWithdrawRequested = "stakeproxy.withdraw.requested"
	// TypeProxyWithdrawn is emitted when currency leaves the proxy for an account.
	TypeProxyWithdrawn = "stakeproxy.withdrawn"
	// TypeProxyWithdrawFailed is emitted when the pool rejects a withdraw.
	TypeProxyWithdrawFailed = "stakeproxy.withdraw.failed"
	// TypeProxyPriceRefreshed is emitted when a new share price is cached.
	TypeProxyPriceRefreshed = "stakeproxy.price.refreshed"
	// TypeProxyFeeRefreshed is emitted when a new fee rate is cached.
	TypeProxyFeeRefreshed = "stakeproxy.fee.refreshed"
	// TypeProxyCallbackUnexpected flags a successful call whose payload could
	// not be decoded.
	TypeProxyCallbackUnexpected = "stakeproxy.callback.unexpected"
	// TypeProxyTransferFailed flags a payout that could not be delivered and
	// was re-credited to the account.
	TypeProxyTransferFailed = "stakeproxy.transfer.failed"
	// TypeProxyPaused is emitted when the owner toggles the pause flag.
	TypeProxyPaused = "stakeproxy.paused"
	// TypeProxyGuardReleased is emitted when an operator clears a stuck guard.
	TypeProxyGuardReleased = "stakeproxy.guard.released"
	// TypeProxyOutcomeUnknown flags a pool call the proxy stopped waiting on
	// before the pool answered. It needs reconciling against the pool.
	TypeProxyOutcomeUnknown = "stakeproxy.outcome.unknown"
	// TypeProxyInDoubtResolved is emitted when an operator settles an
	// in-doubt call.
	TypeProxyInDoubtResolved = "stakeproxy.indoubt.resolved"
)

func formatUint(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func withReason(attrs map[string]string, reason string) map[string]string {
	if reason != "" {
		attrs["reason"] = reason
	}
	return attrs
}

// ProxyDeposited records a local credit.
type ProxyDeposited struct {
	Account string
	Amount  *uint256.Int
}

// EventType satisfies the Event interface.
func (ProxyDeposited) EventType() string { return TypeProxyDeposited }

// Event converts the structured payload into a broadcastable event.
func (e ProxyDeposited) Event() *types.Event {
	return &types.Event{Type: TypeProxyDeposited, Attributes: map[string]string{
		"account": e.Account,
		"amount":  formatUint(e.Amount),
	}}
}

// ProxyStakeRequested records a scheduled deposit_and_stake call.
type ProxyStakeRequested struct {
	Account         string
	Amount          *uint256.Int
	IncludedDeposit bool
	CallID          string
}

// EventType satisfies the Event interface.
func (ProxyStakeRequested) EventType() string { return TypeProxyStakeRequested }

// Event converts the structured payload into a broadcastable event.
func (e ProxyStakeRequested) Event() *types.Event {
	return &types.Event{Type: TypeProxyStakeRequested, Attributes: map[string]string{
		"account":         e.Account,
		"amount":          formatUint(e.Amount),
		"includedDeposit": strconv.FormatBool(e.IncludedDeposit),
		"callId":          e.CallID,
	}}
}

// ProxyStaked records shares credited after a confirmed stake.
type ProxyStaked struct {
	Account     string
	Amount      *uint256.Int
	Shares      *uint256.Int
	TotalShares *uint256.Int
}

// EventType satisfies the Event interface.
func (ProxyStaked) EventType() string { return TypeProxyStaked }

// Event converts the structured payload into a broadcastable event.
func (e ProxyStaked) Event() *types.Event {
	return &types.Event{Type: TypeProxyStaked, Attributes: map[string]string{
		"account":     e.Account,
		"amount":      formatUint(e.Amount),
		"shares":      formatUint(e.Shares),
		"totalShares": formatUint(e.TotalShares),
	}}
}

// ProxyStakeRolledBack records the reversal of a failed stake.
type ProxyStakeRolledBack struct {
	Account  string
	Amount   *uint256.Int
	Refunded bool
	Reason   string
}

// EventType satisfies the Event interface.
func (ProxyStakeRolledBack) EventType() string { return TypeProxyStakeRolledBack }

// Event converts the structured payload into a broadcastable event.
func (e ProxyStakeRolledBack) Event() *types.Event {
	return &types.Event{Type: TypeProxyStakeRolledBack, Attributes: withReason(map[string]string{
		"account":  e.Account,
		"amount":   formatUint(e.Amount),
		"refunded": strconv.FormatBool(e.Refunded),
	}, e.Reason)}
}

// ProxyUnstakeRequested records a scheduled unstake call.
type ProxyUnstakeRequested struct {
	Account string
	Shares  *uint256.Int
	CallID  string
}

// EventType satisfies the Event interface.
func (ProxyUnstakeRequested) EventType() string { return TypeProxyUnstakeRequested }

// Event converts the structured payload into a broadcastable event.
func (e ProxyUnstakeRequested) Event() *types.Event {
	return &types.Event{Type: TypeProxyUnstakeRequested, Attributes: map[string]string{
		"account": e.Account,
		"shares":  formatUint(e.Shares),
		"callId":  e.CallID,
	}}
}

// ProxyUnstaked records a confirmed unstake.
type ProxyUnstaked struct {
	Account     string
	Shares      *uint256.Int
	Amount      *uint256.Int
	UnlockEpoch uint64
}

// EventType satisfies the Event interface.
func (ProxyUnstaked) EventType() string { return TypeProxyUnstaked }

// Event converts the structured payload into a broadcastable event.
func (e ProxyUnstaked) Event() *types.Event {
	return &types.Event{Type: TypeProxyUnstaked, Attributes: map[string]string{
		"account":     e.Account,
		"shares":      formatUint(e.Shares),
		"amount":      formatUint(e.Amount),
		"unlockEpoch": strconv.FormatUint(e.UnlockEpoch, 10),
	}}
}

// ProxyUnstakeFailed records an unstake rejected by the pool.
type ProxyUnstakeFailed struct {
	Account string
	Shares  *uint256.Int
	Reason  string
}

// EventType satisfies the Event interface.
func (ProxyUnstakeFailed) EventType() string { return TypeProxyUnstakeFailed }

// Event converts the structured payload into a broadcastable event.
func (e ProxyUnstakeFailed) Event() *types.Event {
	return &types.Event{Type: TypeProxyUnstakeFailed, Attributes: withReason(map[string]string{
		"account": e.Account,
		"shares":  formatUint(e.Shares),
	}, e.Reason)}
}

// ProxyWithdrawRequested records a scheduled recall of pending funds.
type ProxyWithdrawRequested struct {
	Account   string
	Requested *uint256.Int
	Pending   *uint256.Int
	CallID    string
}

// EventType satisfies the Event interface.
func (ProxyWithdrawRequested) EventType() string { return TypeProxyWithdrawRequested }

// Event converts the structured payload into a broadcastable event.
func (e ProxyWithdrawRequested) Event() *types.Event {
	return &types.Event{Type: TypeProxyWithdrawRequested, Attributes: map[string]string{
		"account":   e.Account,
		"requested": formatUint(e.Requested),
		"pending":   formatUint(e.Pending),
		"callId":    e.CallID,
	}}
}

// ProxyWithdrawn records a payout. Retrieved is set when the payout followed
// a recall from the pool.
type ProxyWithdrawn struct {
	Account   string
	Requested *uint256.Int
	Sent      *uint256.Int
	Retrieved *uint256.Int
}

// EventType satisfies the Event interface.
func (ProxyWithdrawn) EventType() string { return TypeProxyWithdrawn }

// Event converts the structured payload into a broadcastable event.
func (e ProxyWithdrawn) Event() *types.Event {
	attrs := map[string]string{
		"account":   e.Account,
		"requested": formatUint(e.Requested),
		"sent":      formatUint(e.Sent),
	}
	if e.Retrieved != nil {
		attrs["retrieved"] = e.Retrieved.Dec()
	}
	return &types.Event{Type: TypeProxyWithdrawn, Attributes: attrs}
}

// ProxyWithdrawFailed records a recall rejected by the pool.
type ProxyWithdrawFailed struct {
	Account   string
	Requested *uint256.Int
	Reason    string
}

// EventType satisfies the Event interface.
func (ProxyWithdrawFailed) EventType() string { return TypeProxyWithdrawFailed }

// Event converts the structured payload into a broadcastable event.
func (e ProxyWithdrawFailed) Event() *types.Event {
	return &types.Event{Type: TypeProxyWithdrawFailed, Attributes: withReason(map[string]string{
		"account":   e.Account,
		"requested": formatUint(e.Requested),
	}, e.Reason)}
}

// ProxyPriceRefreshed records a cached share price update.
type ProxyPriceRefreshed struct {
	SharePrice *uint256.Int
}

// EventType satisfies the Event interface.
func (ProxyPriceRefreshed) EventType() string { return TypeProxyPriceRefreshed }

// Event converts the structured payload into a broadcastable event.
func (e ProxyPriceRefreshed) Event() *types.Event {
	return &types.Event{Type: TypeProxyPriceRefreshed, Attributes: map[string]string{
		"sharePrice": formatUint(e.SharePrice),
	}}
}

// ProxyFeeRefreshed records a cached fee update.
type ProxyFeeRefreshed struct {
	FeeBasisPoints uint16
}

// EventType satisfies the Event interface.
func (ProxyFeeRefreshed) EventType() string { return TypeProxyFeeRefreshed }

// Event converts the structured payload into a broadcastable event.
func (e ProxyFeeRefreshed) Event() *types.Event {
	return &types.Event{Type: TypeProxyFeeRefreshed, Attributes: map[string]string{
		"feeBps": strconv.FormatUint(uint64(e.FeeBasisPoints), 10),
	}}
}

// ProxyCallbackUnexpected records a success payload that could not be used.
type ProxyCallbackUnexpected struct {
	Account string
	Method  string
	Reason  string
}

// EventType satisfies the Event interface.
func (ProxyCallbackUnexpected) EventType() string { return TypeProxyCallbackUnexpected }

// Event converts the structured payload into a broadcastable event.
func (e ProxyCallbackUnexpected) Event() *types.Event {
	attrs := map[string]string{"method": e.Method}
	if e.Account != "" {
		attrs["account"] = e.Account
	}
	return &types.Event{Type: TypeProxyCallbackUnexpected, Attributes: withReason(attrs, e.Reason)}
}

// ProxyTransferFailed records a payout that bounced back into Unstaked.
type ProxyTransferFailed struct {
	Account string
	Amount  *uint256.Int
	Reason  string
}

// EventType satisfies the Event interface.
func (ProxyTransferFailed) EventType() string { return TypeProxyTransferFailed }

// Event converts the structured payload into a broadcastable event.
func (e ProxyTransferFailed) Event() *types.Event {
	return &types.Event{Type: TypeProxyTransferFailed, Attributes: withReason(map[string]string{
		"account": e.Account,
		"amount":  formatUint(e.Amount),
	}, e.Reason)}
}

// ProxyPaused records a pause toggle.
type ProxyPaused struct {
	Paused bool
}

// EventType satisfies the Event interface.
func (ProxyPaused) EventType() string { return TypeProxyPaused }

// Event converts the structured payload into a broadcastable event.
func (e ProxyPaused) Event() *types.Event {
	return &types.Event{Type: TypeProxyPaused, Attributes: map[string]string{
		"paused": strconv.FormatBool(e.Paused),
	}}
}

// ProxyGuardReleased records an operator clearing a guard.
type ProxyGuardReleased struct {
	Key     string
	WasHeld bool
}

// EventType satisfies the Event interface.
func (ProxyGuardReleased) EventType() string { return TypeProxyGuardReleased }

// Event converts the structured payload into a broadcastable event.
func (e ProxyGuardReleased) Event() *types.Event {
	return &types.Event{Type: TypeProxyGuardReleased, Attributes: map[string]string{
		"key":     e.Key,
		"wasHeld": strconv.FormatBool(e.WasHeld),
	}}
}

// ProxyOutcomeUnknown records a call held for reconciliation.
type ProxyOutcomeUnknown struct {
	CallID  string
	Account string
	Method  string
	Amount  *uint256.Int
	Reason  string
}

// EventType satisfies the Event interface.
func (ProxyOutcomeUnknown) EventType() string { return TypeProxyOutcomeUnknown }

// Event converts the structured payload into a broadcastable event.
func (e ProxyOutcomeUnknown) Event() *types.Event {
	return &types.Event{Type: TypeProxyOutcomeUnknown, Attributes: withReason(map[string]string{
		"callId":  e.CallID,
		"account": e.Account,
		"method":  e.Method,
		"amount":  formatUint(e.Amount),
	}, e.Reason)}
}

// ProxyInDoubtResolved records the operator's verdict on an in-doubt call.
type ProxyInDoubtResolved struct {
	CallID  string
	Account string
	Method  string
	Applied bool
}

// EventType satisfies the Event interface.
func (ProxyInDoubtResolved) EventType() string { return TypeProxyInDoubtResolved }

// Event converts the structured payload into a broadcastable event.
func (e ProxyInDoubtResolved) Event() *types.Event {
	return &types.Event{Type: TypeProxyInDoubtResolved, Attributes: map[string]string{
		"callId":  e.CallID,
		"account": e.Account,
		"method":  e.Method,
		"applied": strconv.FormatBool(e.Applied),
	}}
}
