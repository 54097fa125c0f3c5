package stakeproxy

import (
	"context"
	"log/slog"

	"github.com/holiman/uint256"

	"stakeproxy/core/events"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
)

// Unstake redeems shares worth amount at the cached share price. Shares are
// only debited once the pool confirms.
func (e *Engine) Unstake(ctx context.Context, caller string, amount *uint256.Int) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := requirePositive(amount); err != nil {
		return nil, e.reject(OpUnstake, err)
	}
	id, acc, err := e.resolveAccount(caller)
	if err != nil {
		return nil, e.reject(OpUnstake, err)
	}
	contract, err := e.ledger.Contract()
	if err != nil {
		return nil, err
	}
	shares, err := CurrencyToShares(amount, contract.SharePrice)
	if err != nil {
		return nil, e.reject(OpUnstake, err)
	}
	if shares.IsZero() {
		return nil, e.reject(OpUnstake, ErrInvalidAmount)
	}
	return e.unstakeLocked(OpUnstake, id, acc, shares)
}

// UnstakeAll redeems every share the caller holds.
func (e *Engine) UnstakeAll(ctx context.Context, caller string) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id, acc, err := e.resolveAccount(caller)
	if err != nil {
		return nil, e.reject(OpUnstakeAll, err)
	}
	if acc.StakeShares.IsZero() {
		return nil, e.reject(OpUnstakeAll, ErrNoStakedBalance)
	}
	return e.unstakeLocked(OpUnstakeAll, id, acc, acc.StakeShares.Clone())
}

func (e *Engine) unstakeLocked(op, id string, acc *Account, shares *uint256.Int) (*Receipt, error) {
	if shares.Gt(acc.StakeShares) {
		return nil, e.reject(op, ErrInsufficientShares)
	}
	call := promise.Call{
		Method: pool.MethodUnstake,
		Params: pool.SharesParams{Shares: pool.NewAmount(shares)},
		Budget: e.params.UnstakeBudget,
	}
	callID, err := e.schedule(callIntent{op: op, account: id, method: pool.MethodUnstake, amount: shares}, nil, nil, call)
	if err != nil {
		return nil, e.reject(op, err)
	}
	e.emit(events.ProxyUnstakeRequested{Account: id, Shares: shares.Clone(), CallID: callID})
	return &Receipt{Operation: op, Account: id, Amount: shares.Clone(), CallID: callID, Pending: true}, nil
}

func (e *Engine) afterUnstake(id string, shares *uint256.Int, result promise.Result) {
	method := string(pool.MethodUnstake)
	log := e.logger.With(slog.String("account", id), slog.String("call_id", result.ID))

	if !result.Succeeded() {
		e.recorder.RecordCallback(method, OutcomeFailure)
		log.Warn("unstake failed", slog.String("shares", shares.Dec()), slog.Any("error", result.Err))
		e.emit(events.ProxyUnstakeFailed{Account: id, Shares: shares.Clone(), Reason: reason(result.Err)})
		return
	}
	unstaked, err := pool.DecodeUnstake(result.Payload)
	if err != nil {
		e.unexpected(id, method, err)
		return
	}
	received := unstaked.Amount.Int()
	acc, err := e.ledger.Get(id)
	if err != nil {
		log.Error("load account after unstake", slog.Any("error", err))
		return
	}
	contract, err := e.ledger.Contract()
	if err != nil {
		log.Error("load contract after unstake", slog.Any("error", err))
		return
	}
	acc.StakeShares = saturatingSub(acc.StakeShares, shares)
	contract.TotalStakeShares = saturatingSub(contract.TotalStakeShares, shares)
	acc.UnstakedPendingExternal = saturatingAdd(acc.UnstakedPendingExternal, received)
	acc.UnstakedAvailableEpochHeight = unstaked.UnlockEpoch
	if err := e.ledger.Save(id, acc); err != nil {
		log.Error("save account after unstake", slog.Any("error", err))
		return
	}
	if err := e.ledger.SaveContract(contract); err != nil {
		log.Error("save contract after unstake", slog.Any("error", err))
		return
	}
	e.recorder.RecordCallback(method, OutcomeSuccess)
	e.publishContract(contract)
	e.emit(events.ProxyUnstaked{Account: id, Shares: shares.Clone(), Amount: received, UnlockEpoch: unstaked.UnlockEpoch})
}
