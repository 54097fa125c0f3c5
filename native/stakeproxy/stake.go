package stakeproxy

import (
	"context"
	"log/slog"

	"github.com/holiman/uint256"

	"stakeproxy/core/events"
	nativecommon "stakeproxy/native/common"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
)

// Deposit credits attached currency to the caller's unstaked balance.
func (e *Engine) Deposit(ctx context.Context, caller string, attached *uint256.Int) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.params.Variant != VariantDirect {
		return nil, e.reject(OpDeposit, ErrOperationDisabled)
	}
	if err := requirePositive(attached); err != nil {
		return nil, e.reject(OpDeposit, err)
	}
	id, acc, err := e.resolveAccount(caller)
	if err != nil {
		return nil, e.reject(OpDeposit, err)
	}
	acc.Unstaked = saturatingAdd(acc.Unstaked, attached)
	if err := e.ledger.Save(id, acc); err != nil {
		return nil, err
	}
	e.recorder.RecordOperation(OpDeposit, "completed")
	e.emit(events.ProxyDeposited{Account: id, Amount: attached.Clone()})
	return &Receipt{Operation: OpDeposit, Account: id, Amount: attached.Clone()}, nil
}

// DepositAndStake stakes attached currency in one step. The custodial
// variant enforces the configured minimum and keeps no local record of the
// deposit until the pool answers.
func (e *Engine) DepositAndStake(ctx context.Context, caller string, attached *uint256.Int) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := requirePositive(attached); err != nil {
		return nil, e.reject(OpDepositAndStake, err)
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, e.reject(OpDepositAndStake, err)
	}
	if e.params.Variant == VariantCustodial && attached.Lt(e.params.MinDepositAndStake) {
		return nil, e.reject(OpDepositAndStake, ErrBelowMinimum)
	}
	id, err := NormalizeAccountID(caller)
	if err != nil {
		return nil, e.reject(OpDepositAndStake, err)
	}
	// The direct variant registers the deposit and immediately commits it to
	// staking, which nets to zero on Unstaked.
	return e.scheduleStake(OpDepositAndStake, id, nil, nil, attached, true)
}

// Stake moves amount from the caller's unstaked balance into the pool.
func (e *Engine) Stake(ctx context.Context, caller string, amount *uint256.Int) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stakeLocked(OpStake, caller, amount)
}

// StakeAll stakes the caller's entire unstaked balance.
func (e *Engine) StakeAll(ctx context.Context, caller string) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stakeLocked(OpStakeAll, caller, nil)
}

// stakeLocked stakes amount, or the full unstaked balance when amount is nil.
func (e *Engine) stakeLocked(op, caller string, amount *uint256.Int) (*Receipt, error) {
	if e.params.Variant != VariantDirect {
		return nil, e.reject(op, ErrOperationDisabled)
	}
	if amount != nil {
		if err := requirePositive(amount); err != nil {
			return nil, e.reject(op, err)
		}
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, e.reject(op, err)
	}
	id, acc, err := e.resolveAccount(caller)
	if err != nil {
		return nil, e.reject(op, err)
	}
	if amount == nil {
		amount = acc.Unstaked.Clone()
		if amount.IsZero() {
			return nil, e.reject(op, ErrInvalidAmount)
		}
	}
	if acc.Unstaked.Lt(amount) {
		return nil, e.reject(op, ErrInsufficientUnstaked)
	}
	next := acc.Clone()
	next.Unstaked = saturatingSub(acc.Unstaked, amount)
	return e.scheduleStake(op, id, acc, next, amount, false)
}

func (e *Engine) scheduleStake(op, id string, prev, next *Account, amount *uint256.Int, includedDeposit bool) (*Receipt, error) {
	amount = amount.Clone()
	call := promise.Call{
		Method: pool.MethodDepositAndStake,
		Params: pool.AmountParams{Amount: pool.NewAmount(amount)},
		Budget: e.params.StakeBudget,
	}
	intent := callIntent{op: op, account: id, method: pool.MethodDepositAndStake, amount: amount, includedDeposit: includedDeposit}
	callID, err := e.schedule(intent, prev, next, call)
	if err != nil {
		return nil, e.reject(op, err)
	}
	if includedDeposit && e.params.Variant == VariantDirect {
		e.emit(events.ProxyDeposited{Account: id, Amount: amount.Clone()})
	}
	e.emit(events.ProxyStakeRequested{Account: id, Amount: amount.Clone(), IncludedDeposit: includedDeposit, CallID: callID})
	return &Receipt{Operation: op, Account: id, Amount: amount.Clone(), CallID: callID, Pending: true}, nil
}

func (e *Engine) afterStake(id string, amount *uint256.Int, includedDeposit bool, result promise.Result) {
	method := string(pool.MethodDepositAndStake)
	log := e.logger.With(slog.String("account", id), slog.String("call_id", result.ID))

	if !result.Succeeded() {
		e.recorder.RecordCallback(method, OutcomeFailure)
		e.rollbackStake(id, amount, includedDeposit, result.Err)
		log.Warn("stake failed, rolled back", slog.String("amount", amount.Dec()), slog.Any("error", result.Err))
		return
	}
	shares, err := pool.DecodeAmount(result.Payload)
	if err != nil {
		// The currency already left for the pool; nothing local to undo.
		e.unexpected(id, method, err)
		return
	}
	acc, err := e.ledger.Get(id)
	if err != nil {
		log.Error("load account after stake", slog.Any("error", err))
		return
	}
	contract, err := e.ledger.Contract()
	if err != nil {
		log.Error("load contract after stake", slog.Any("error", err))
		return
	}
	acc.StakeShares = saturatingAdd(acc.StakeShares, shares)
	contract.TotalStakeShares = saturatingAdd(contract.TotalStakeShares, shares)
	if err := e.ledger.Save(id, acc); err != nil {
		log.Error("save account after stake", slog.Any("error", err))
		return
	}
	if err := e.ledger.SaveContract(contract); err != nil {
		log.Error("save contract after stake", slog.Any("error", err))
		return
	}
	e.recorder.RecordCallback(method, OutcomeSuccess)
	e.publishContract(contract)
	e.emit(events.ProxyStaked{Account: id, Amount: amount.Clone(), Shares: shares, TotalShares: contract.TotalStakeShares.Clone()})
}

// rollbackStake returns amount to Unstaked and, when the call carried a
// fresh deposit, reverses that deposit and refunds the caller. Every step
// saturates so running it twice cannot drive a balance negative.
func (e *Engine) rollbackStake(id string, amount *uint256.Int, includedDeposit bool, cause error) {
	acc, err := e.ledger.Get(id)
	if err != nil {
		e.logger.Error("load account for rollback", slog.String("account", id), slog.Any("error", err))
		return
	}
	acc.Unstaked = saturatingAdd(acc.Unstaked, amount)
	if includedDeposit {
		acc.Unstaked = saturatingSub(acc.Unstaked, amount)
	}
	if err := e.ledger.Save(id, acc); err != nil {
		e.logger.Error("save account for rollback", slog.String("account", id), slog.Any("error", err))
		return
	}
	e.recorder.RecordRollback(OpStake)
	refunded := false
	if includedDeposit {
		refunded = e.payout(OpDepositAndStake, id, amount)
	}
	e.emit(events.ProxyStakeRolledBack{Account: id, Amount: amount.Clone(), Refunded: refunded, Reason: reason(cause)})
}
