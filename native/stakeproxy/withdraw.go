package stakeproxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"stakeproxy/core/events"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
)

// Withdraw pays amount out to the caller. Funds already held locally are sent
// immediately; otherwise the pending balance is recalled from the pool first.
// Any unfinished unlock delay blocks both paths.
func (e *Engine) Withdraw(ctx context.Context, caller string, amount *uint256.Int) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := requirePositive(amount); err != nil {
		return nil, e.reject(OpWithdraw, err)
	}
	id, acc, err := e.resolveAccount(caller)
	if err != nil {
		return nil, e.reject(OpWithdraw, err)
	}
	return e.withdrawLocked(ctx, OpWithdraw, id, acc, amount.Clone())
}

// WithdrawAll pays out both the local and pool-held unstaked balances.
func (e *Engine) WithdrawAll(ctx context.Context, caller string) (*Receipt, error) {
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
		return nil, e.reject(OpWithdrawAll, err)
	}
	amount := acc.TotalUnstaked()
	if amount.IsZero() {
		return nil, e.reject(OpWithdrawAll, ErrInsufficientUnstaked)
	}
	return e.withdrawLocked(ctx, OpWithdrawAll, id, acc, amount)
}

func (e *Engine) withdrawLocked(ctx context.Context, op, id string, acc *Account, amount *uint256.Int) (*Receipt, error) {
	current := e.epochs.Current()
	if acc.UnstakedAvailableEpochHeight > current {
		return nil, e.reject(op, fmt.Errorf("%w: available at epoch %d, current %d",
			ErrUnstakeLocked, acc.UnstakedAvailableEpochHeight, current))
	}

	if !acc.Unstaked.Lt(amount) {
		return e.withdrawLocal(ctx, op, id, acc, amount)
	}
	if acc.TotalUnstaked().Lt(amount) {
		return nil, e.reject(op, ErrInsufficientUnstaked)
	}

	pending := acc.UnstakedPendingExternal.Clone()
	call := promise.Call{
		Method: pool.MethodWithdraw,
		Params: pool.AmountParams{Amount: pool.NewAmount(pending)},
		Budget: e.params.WithdrawBudget,
	}
	callID, err := e.schedule(callIntent{op: op, account: id, method: pool.MethodWithdraw, amount: amount}, nil, nil, call)
	if err != nil {
		return nil, e.reject(op, err)
	}
	e.emit(events.ProxyWithdrawRequested{Account: id, Requested: amount.Clone(), Pending: pending, CallID: callID})
	return &Receipt{Operation: op, Account: id, Amount: amount.Clone(), CallID: callID, Pending: true}, nil
}

// withdrawLocal debits and transfers synchronously. A failed transfer aborts
// the operation and restores the debit.
func (e *Engine) withdrawLocal(ctx context.Context, op, id string, acc *Account, amount *uint256.Int) (*Receipt, error) {
	if e.bank == nil {
		return nil, errNilBank
	}
	next := acc.Clone()
	next.Unstaked = saturatingSub(acc.Unstaked, amount)
	if err := e.ledger.Save(id, next); err != nil {
		return nil, err
	}
	if err := e.bank.Transfer(ctx, id, amount.Clone()); err != nil {
		if restoreErr := e.ledger.Save(id, acc); restoreErr != nil {
			e.logger.Error("restore account after failed transfer",
				slog.String("account", id), slog.Any("error", restoreErr))
		}
		e.recorder.RecordTransferFailure(op)
		return nil, e.reject(op, fmt.Errorf("stakeproxy: transfer: %w", err))
	}
	e.recorder.RecordOperation(op, "completed")
	e.emit(events.ProxyWithdrawn{Account: id, Requested: amount.Clone(), Sent: amount.Clone()})
	return &Receipt{Operation: op, Account: id, Amount: amount.Clone()}, nil
}

func (e *Engine) afterWithdraw(id string, requested *uint256.Int, result promise.Result) {
	method := string(pool.MethodWithdraw)
	log := e.logger.With(slog.String("account", id), slog.String("call_id", result.ID))

	if !result.Succeeded() {
		// Funds stay parked at the pool and a later withdraw can retry.
		e.recorder.RecordCallback(method, OutcomeFailure)
		log.Warn("withdraw from pool failed", slog.String("requested", requested.Dec()), slog.Any("error", result.Err))
		e.emit(events.ProxyWithdrawFailed{Account: id, Requested: requested.Clone(), Reason: reason(result.Err)})
		return
	}
	retrieved, err := pool.DecodeAmount(result.Payload)
	if err != nil {
		e.unexpected(id, method, err)
		return
	}
	acc, err := e.ledger.Get(id)
	if err != nil {
		log.Error("load account after withdraw", slog.Any("error", err))
		return
	}
	acc.Unstaked = saturatingAdd(acc.Unstaked, retrieved)
	acc.UnstakedPendingExternal = new(uint256.Int)
	toSend := minInt(requested, acc.Unstaked)
	acc.Unstaked = saturatingSub(acc.Unstaked, toSend)
	if err := e.ledger.Save(id, acc); err != nil {
		log.Error("save account after withdraw", slog.Any("error", err))
		return
	}
	e.recorder.RecordCallback(method, OutcomeSuccess)
	if !toSend.Eq(requested) {
		log.Info("withdraw short of request", slog.String("requested", requested.Dec()), slog.String("sent", toSend.Dec()))
	}
	if e.payout(OpWithdraw, id, toSend) {
		e.emit(events.ProxyWithdrawn{Account: id, Requested: requested.Clone(), Sent: toSend, Retrieved: retrieved})
	}
}
