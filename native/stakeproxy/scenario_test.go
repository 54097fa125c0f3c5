package stakeproxy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"stakeproxy/core/epoch"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
	"stakeproxy/storage"
)

func TestScenarioDepositThenStakeSucceeds(t *testing.T) {
	h := newHarness(t, DefaultParams())
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, "alice", u(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	receipt, err := h.engine.Stake(ctx, "alice", u(100))
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if !receipt.Pending || receipt.CallID == "" {
		t.Fatalf("expected a pending receipt, got %+v", receipt)
	}
	if !h.engine.Guard().Held("alice") {
		t.Fatalf("guard must be held while the call is in flight")
	}
	h.sched.take(t, pool.MethodDepositAndStake).succeed(`"100"`)

	acc := h.account(t, "alice")
	requireUint(t, "stake_shares", acc.StakeShares, 100)
	requireUint(t, "unstaked", acc.Unstaked, 0)
	requireUint(t, "total_stake_shares", h.contract(t).TotalStakeShares, 100)
	if h.engine.Guard().Held("alice") {
		t.Fatalf("guard must be clear after the callback")
	}
	if err := h.engine.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestScenarioStakeFailureRestoresUnstaked(t *testing.T) {
	h := newHarness(t, DefaultParams())
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, "alice", u(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.Stake(ctx, "alice", u(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	h.sched.take(t, pool.MethodDepositAndStake).fail(errors.New("pool unavailable"))

	requireUint(t, "unstaked", h.account(t, "alice").Unstaked, 100)
	if len(h.bank.sent()) != 0 {
		t.Fatalf("a staged stake keeps the deposit on the ledger, no refund expected")
	}
	if h.engine.Guard().Held("alice") {
		t.Fatalf("guard must be clear")
	}
}

func TestScenarioDepositAndStakeFailureRefunds(t *testing.T) {
	h := newHarness(t, DefaultParams())
	if _, err := h.engine.DepositAndStake(context.Background(), "alice", u(100)); err != nil {
		t.Fatalf("deposit_and_stake: %v", err)
	}
	h.sched.take(t, pool.MethodDepositAndStake).fail(errors.New("pool unavailable"))

	if acc := h.account(t, "alice"); !acc.IsEmpty() {
		t.Fatalf("expected the deposit to be reversed, got %+v", acc)
	}
	if sent := h.bank.sent(); len(sent) != 1 || sent[0] != (transfer{"alice", 100}) {
		t.Fatalf("expected refund of 100, got %+v", sent)
	}
	if h.engine.Guard().Held("alice") {
		t.Fatalf("guard must be clear")
	}
}

func TestScenarioRefundFailureKeepsFundsWithdrawable(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.bank.err = errors.New("bank offline")
	if _, err := h.engine.DepositAndStake(context.Background(), "alice", u(100)); err != nil {
		t.Fatalf("deposit_and_stake: %v", err)
	}
	h.sched.take(t, pool.MethodDepositAndStake).fail(errors.New("pool unavailable"))
	requireUint(t, "unstaked", h.account(t, "alice").Unstaked, 100)
}

func TestScenarioUnstakeSucceeds(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.stakeShares(t, "alice", 100)
	if _, err := h.engine.Unstake(context.Background(), "alice", u(50)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	call := h.sched.take(t, pool.MethodUnstake)
	requireUint(t, "shares requested", call.call.Params.(pool.SharesParams).Shares.Int(), 50)
	call.succeed(`{"amount":"50","unlock_epoch":14}`)

	acc := h.account(t, "alice")
	requireUint(t, "stake_shares", acc.StakeShares, 50)
	requireUint(t, "unstaked_pending_external", acc.UnstakedPendingExternal, 50)
	if acc.UnstakedAvailableEpochHeight != 14 {
		t.Fatalf("expected unlock epoch 14, got %d", acc.UnstakedAvailableEpochHeight)
	}
	requireUint(t, "total_stake_shares", h.contract(t).TotalStakeShares, 50)
	if err := h.engine.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestScenarioWithdrawBeforeUnlock(t *testing.T) {
	h := newHarness(t, DefaultParams())
	if err := h.ledger.Save("alice", &Account{
		Unstaked:                     u(100),
		UnstakedPendingExternal:      u(50),
		StakeShares:                  u(50),
		UnstakedAvailableEpochHeight: 14,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, _ := h.ledger.Digest()

	// Locked even though the local balance alone would cover it.
	if _, err := h.engine.Withdraw(context.Background(), "alice", u(50)); !errors.Is(err, ErrUnstakeLocked) {
		t.Fatalf("expected ErrUnstakeLocked, got %v", err)
	}
	if _, err := h.engine.WithdrawAll(context.Background(), "alice"); !errors.Is(err, ErrUnstakeLocked) {
		t.Fatalf("expected ErrUnstakeLocked, got %v", err)
	}
	after, _ := h.ledger.Digest()
	if before != after || h.sched.pending() != 0 || len(h.bank.sent()) != 0 {
		t.Fatalf("rejected withdraw must not change state")
	}

	h.epochs.Set(14)
	if _, err := h.engine.Withdraw(context.Background(), "alice", u(50)); err != nil {
		t.Fatalf("withdraw at unlock epoch: %v", err)
	}
}

func TestScenarioWithdrawMergesPending(t *testing.T) {
	h := newHarness(t, DefaultParams())
	if err := h.ledger.Save("alice", &Account{
		Unstaked:                u(20),
		UnstakedPendingExternal: u(40),
		StakeShares:             u(0),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	receipt, err := h.engine.Withdraw(context.Background(), "alice", u(50))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !receipt.Pending {
		t.Fatalf("expected the withdraw to recall funds from the pool")
	}
	call := h.sched.take(t, pool.MethodWithdraw)
	requireUint(t, "recalled", call.call.Params.(pool.AmountParams).Amount.Int(), 40)
	call.succeed(`"40"`)

	if sent := h.bank.sent(); len(sent) != 1 || sent[0] != (transfer{"alice", 50}) {
		t.Fatalf("expected transfer of 50, got %+v", sent)
	}
	acc := h.account(t, "alice")
	requireUint(t, "unstaked", acc.Unstaked, 10)
	requireUint(t, "pending", acc.UnstakedPendingExternal, 0)
	if h.engine.Guard().Held("alice") {
		t.Fatalf("guard must be clear")
	}
}

func TestScenarioWithdrawShortfallAbsorbed(t *testing.T) {
	h := newHarness(t, DefaultParams())
	if err := h.ledger.Save("alice", &Account{
		Unstaked:                u(20),
		UnstakedPendingExternal: u(40),
		StakeShares:             u(0),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := h.engine.Withdraw(context.Background(), "alice", u(50)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	h.sched.take(t, pool.MethodWithdraw).succeed(`"25"`)

	if sent := h.bank.sent(); len(sent) != 1 || sent[0] != (transfer{"alice", 45}) {
		t.Fatalf("expected transfer capped at 45, got %+v", sent)
	}
	if exists, _ := h.ledger.Exists("alice"); exists {
		t.Fatalf("fully drained account must be deleted")
	}
}

// TestEndToEndWithSimulator drives the full lifecycle through the real
// dispatcher and the in-process pool.
func TestEndToEndWithSimulator(t *testing.T) {
	epochs := epoch.NewManual(100)
	sim := pool.NewSimulator(pool.WithEpochSource(epochs.Current))
	dispatcher := promise.NewDispatcher(sim)
	dispatcher.Start(context.Background())
	defer dispatcher.Close(context.Background())

	ledger := NewLedger(storage.NewMemDB())
	engine := NewEngine(ledger, dispatcher, DefaultParams())
	bank := &recordingBank{}
	engine.SetBank(bank)
	engine.SetEpochSource(epochs)

	ctx := context.Background()
	drain := func() {
		t.Helper()
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := dispatcher.Drain(dctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}

	if _, err := engine.DepositAndStake(ctx, "alice", u(1000)); err != nil {
		t.Fatalf("deposit_and_stake: %v", err)
	}
	if _, err := engine.Deposit(ctx, "bob", u(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Stake(ctx, "bob", u(300)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	drain()
	if err := engine.CheckInvariants(); err != nil {
		t.Fatalf("invariants after stake: %v", err)
	}

	// Rewards accrue: one share is now worth 1.5.
	price := new(uint256.Int).Div(new(uint256.Int).Mul(pool.PriceDenominator(), u(3)), u(2))
	if err := sim.SetSharePrice(price); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := engine.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	drain()
	view, err := engine.Account("alice")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	requireUint(t, "alice staked balance", view.StakedBalance, 1500)

	if _, err := engine.UnstakeAll(ctx, "alice"); err != nil {
		t.Fatalf("unstake all: %v", err)
	}
	drain()
	view, _ = engine.Account("alice")
	requireUint(t, "pending", view.UnstakedPendingExternal, 1500)
	if view.CanWithdraw || view.UnstakedAvailableEpochHeight != 104 {
		t.Fatalf("expected funds locked until epoch 104, got %+v", view)
	}
	if _, err := engine.WithdrawAll(ctx, "alice"); !errors.Is(err, ErrUnstakeLocked) {
		t.Fatalf("expected ErrUnstakeLocked, got %v", err)
	}

	epochs.Set(104)
	if _, err := engine.WithdrawAll(ctx, "alice"); err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	drain()
	if sent := bank.sent(); len(sent) != 1 || sent[0] != (transfer{"alice", 1500}) {
		t.Fatalf("unexpected payouts %+v", sent)
	}
	if exists, _ := ledger.Exists("alice"); exists {
		t.Fatalf("alice should be fully withdrawn")
	}
	if err := engine.CheckInvariants(); err != nil {
		t.Fatalf("invariants at end: %v", err)
	}
	requireUint(t, "pool shares", sim.Snapshot().TotalShares.Int(), 300)
}

// TestEndToEndTimedOutStakeIsReconciled covers a pool that applies a stake
// but answers after the call budget. The proxy must neither refund nor
// forget the call, and reconciliation must bring the ledger in line with
// the pool.
func TestEndToEndTimedOutStakeIsReconciled(t *testing.T) {
	sim := pool.NewSimulator()
	slow := pool.ClientFunc(func(ctx context.Context, method pool.Method, params any) (json.RawMessage, error) {
		payload, err := sim.Invoke(ctx, method, params)
		if err != nil || method != pool.MethodDepositAndStake {
			return payload, err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	dispatcher := promise.NewDispatcher(slow)
	ctx := context.Background()
	dispatcher.Start(ctx)
	defer dispatcher.Close(ctx)

	params := DefaultParams()
	params.StakeBudget = 20 * time.Millisecond
	engine := NewEngine(NewLedger(storage.NewMemDB()), dispatcher, params)
	bank := &recordingBank{}
	engine.SetBank(bank)

	receipt, err := engine.DepositAndStake(ctx, "alice", u(100))
	if err != nil {
		t.Fatalf("deposit_and_stake: %v", err)
	}
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := dispatcher.Drain(dctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	requireUint(t, "pool shares", sim.Snapshot().TotalShares.Int(), 100)
	if sent := bank.sent(); len(sent) != 0 {
		t.Fatalf("funds the pool kept must not also be refunded, got %+v", sent)
	}
	doubtful, err := engine.InDoubt()
	if err != nil || len(doubtful) != 1 || doubtful[0].CallID != receipt.CallID {
		t.Fatalf("expected the timed-out call to be held, got %+v %v", doubtful, err)
	}
	if _, err := engine.DepositAndStake(ctx, "alice", u(1)); !errors.Is(err, ErrInDoubt) {
		t.Fatalf("expected ErrInDoubt before reconciliation, got %v", err)
	}

	if err := engine.Resolve(receipt.CallID, json.RawMessage(`"100"`)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	totals, err := engine.Totals()
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !totals.TotalStakeShares.Eq(sim.Snapshot().TotalShares.Int()) || totals.InDoubtCalls != 0 {
		t.Fatalf("ledger disagrees with the pool after reconciliation: %+v", totals)
	}
}
