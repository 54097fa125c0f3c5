package stakeproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"

	"stakeproxy/core/epoch"
	"stakeproxy/core/events"
	nativecommon "stakeproxy/native/common"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
)

const moduleName = "stakeproxy"

// Operation names reported in receipts, metrics and the journal.
const (
	OpDeposit         = "deposit"
	OpDepositAndStake = "deposit_and_stake"
	OpStake           = "stake"
	OpStakeAll        = "stake_all"
	OpUnstake         = "unstake"
	OpUnstakeAll      = "unstake_all"
	OpWithdraw        = "withdraw"
	OpWithdrawAll     = "withdraw_all"
	OpPing            = "ping"
)

// Callback outcomes reported to the Recorder.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeUnexpected = "unexpected"
	OutcomeUnknown    = "unknown"
)

// Bank moves currency out of the proxy to an account.
type Bank interface {
	Transfer(ctx context.Context, account string, amount *uint256.Int) error
}

// BankFunc adapts a function to the Bank interface.
type BankFunc func(ctx context.Context, account string, amount *uint256.Int) error

// Transfer delegates to the wrapped function.
func (f BankFunc) Transfer(ctx context.Context, account string, amount *uint256.Int) error {
	if f == nil {
		return errNilBank
	}
	return f(ctx, account, amount)
}

// Recorder receives operational measurements from the engine.
type Recorder interface {
	RecordOperation(op, outcome string)
	RecordCallback(method, outcome string)
	RecordRollback(op string)
	RecordTransferFailure(op string)
	SetGuardsHeld(n int)
	SetContract(totalShares, sharePrice *uint256.Int, feeBps uint16)
}

type noopRecorder struct{}

func (noopRecorder) RecordOperation(string, string)                 {}
func (noopRecorder) RecordCallback(string, string)                  {}
func (noopRecorder) RecordRollback(string)                          {}
func (noopRecorder) RecordTransferFailure(string)                   {}
func (noopRecorder) SetGuardsHeld(int)                              {}
func (noopRecorder) SetContract(*uint256.Int, *uint256.Int, uint16) {}

// Receipt acknowledges an accepted operation. When Pending is set the ledger
// change is decided later by a callback and CallID identifies the pool call.
type Receipt struct {
	Operation string
	Account   string
	Amount    *uint256.Int
	CallID    string
	Pending   bool
}

// Engine owns the ledger and serialises every mutation behind a single mutex.
// User operations and pool callbacks each run to completion under it.
type Engine struct {
	mu        sync.Mutex
	ledger    *Ledger
	guard     *Guard
	scheduler promise.Scheduler
	params    Params

	bank     Bank
	epochs   epoch.Source
	emitter  events.Emitter
	logger   *slog.Logger
	recorder Recorder
	pauses   nativecommon.PauseView
}

// NewEngine constructs an engine over ledger that reaches the pool through
// scheduler.
func NewEngine(ledger *Ledger, scheduler promise.Scheduler, params Params) *Engine {
	params = params.withDefaults()
	e := &Engine{
		ledger:    ledger,
		guard:     NewGuard(params.GuardScope),
		scheduler: scheduler,
		params:    params,
		epochs:    epoch.NewManual(0),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default().With(slog.String("component", moduleName)),
		recorder:  noopRecorder{},
	}
	e.pauses = nativecommon.PauseFunc(e.pausedLocked)
	return e
}

// SetBank wires the payout path.
func (e *Engine) SetBank(bank Bank) {
	if e == nil {
		return
	}
	e.bank = bank
}

// SetEpochSource wires the current epoch height.
func (e *Engine) SetEpochSource(src epoch.Source) {
	if e == nil || src == nil {
		return
	}
	e.epochs = src
}

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetLogger overrides the logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger.With(slog.String("component", moduleName))
}

// SetRecorder wires the metrics sink.
func (e *Engine) SetRecorder(r Recorder) {
	if e == nil {
		return
	}
	if r == nil {
		r = noopRecorder{}
	}
	e.recorder = r
}

// SetPauses replaces the pause view. By default the engine consults its own
// persisted pause flag.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil || p == nil {
		return
	}
	e.pauses = p
}

// Params returns the engine configuration.
func (e *Engine) Params() Params { return e.params }

// Guard exposes the busy guard for read-only inspection.
func (e *Engine) Guard() *Guard { return e.guard }

func (e *Engine) pausedLocked(module string) bool {
	if module != moduleName {
		return false
	}
	c, err := e.ledger.Contract()
	if err != nil {
		e.logger.Error("read pause flag", slog.Any("error", err))
		return false
	}
	return c.Paused
}

func (e *Engine) ready() error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	if e.scheduler == nil {
		return errNilScheduler
	}
	return nil
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil && evt != nil {
		e.emitter.Emit(evt)
	}
}

func requirePositive(amount *uint256.Int) error {
	if isZero(amount) {
		return ErrInvalidAmount
	}
	return nil
}

// reject records a synchronous rejection and passes the error through.
func (e *Engine) reject(op string, err error) error {
	e.recorder.RecordOperation(op, "rejected")
	return err
}

// callIntent carries what a callback needs to settle a guarded pool call.
// Amount is the staked amount for deposit_and_stake, the share count for
// unstake and the requested payout for withdraw.
type callIntent struct {
	op              string
	account         string
	method          pool.Method
	amount          *uint256.Int
	includedDeposit bool
}

// settler returns the callback that applies a settled result for intent.
func (e *Engine) settler(intent callIntent) func(promise.Result) {
	switch intent.method {
	case pool.MethodDepositAndStake:
		return func(result promise.Result) {
			e.afterStake(intent.account, intent.amount, intent.includedDeposit, result)
		}
	case pool.MethodUnstake:
		return func(result promise.Result) { e.afterUnstake(intent.account, intent.amount, result) }
	case pool.MethodWithdraw:
		return func(result promise.Result) { e.afterWithdraw(intent.account, intent.amount, result) }
	default:
		return func(result promise.Result) {
			e.unexpected(intent.account, string(intent.method), fmt.Errorf("no settlement for %s", intent.method))
		}
	}
}

// schedule acquires the guard for the intent's account, persists next (when
// not nil) and hands the call to the scheduler. If scheduling fails the
// previous record is restored and the guard released, so a rejected operation
// leaves no trace. Accounts with an unresolved in-doubt call are refused.
func (e *Engine) schedule(intent callIntent, prev, next *Account, call promise.Call) (string, error) {
	account := intent.account
	doubtful, err := e.ledger.InDoubtFor(account)
	if err != nil {
		return "", err
	}
	if len(doubtful) > 0 {
		return "", fmt.Errorf("%w (%s)", ErrInDoubt, doubtful[0].CallID)
	}
	token, err := e.guard.Acquire(account)
	if err != nil {
		return "", err
	}
	if next != nil {
		if err := e.ledger.Save(account, next); err != nil {
			e.guard.Release(account, token)
			return "", err
		}
	}
	call.Account = account
	settle := e.settler(intent)
	id, err := e.scheduler.Schedule(call, e.callback(func(result promise.Result) {
		e.release(account, token)
		if result.Unknown() {
			e.holdInDoubt(intent, result)
			return
		}
		settle(result)
	}))
	if err != nil {
		if next != nil {
			if restoreErr := e.ledger.Save(account, prev); restoreErr != nil {
				e.logger.Error("restore account after schedule failure",
					slog.String("op", intent.op), slog.String("account", account), slog.Any("error", restoreErr))
			}
		}
		e.guard.Release(account, token)
		return "", fmt.Errorf("stakeproxy: schedule %s: %w", call.Method, err)
	}
	e.recorder.SetGuardsHeld(e.guard.HeldCount())
	e.recorder.RecordOperation(intent.op, "scheduled")
	return id, nil
}

// callback serialises cb with every other engine entry point.
func (e *Engine) callback(cb func(promise.Result)) promise.Callback {
	return func(result promise.Result) {
		e.mu.Lock()
		defer e.mu.Unlock()
		cb(result)
	}
}

// release clears the guard taken with token. Callbacks call it before
// anything else. After a ForceRelease the token is stale and the guard,
// possibly held by a newer call, is left alone.
func (e *Engine) release(account string, token GuardToken) {
	if !e.guard.Release(account, token) {
		e.logger.Warn("stale guard release ignored", slog.String("account", account))
	}
	e.recorder.SetGuardsHeld(e.guard.HeldCount())
}

func (e *Engine) unexpected(account, method string, err error) {
	e.logger.Warn("unexpected pool payload",
		slog.String("account", account), slog.String("method", method), slog.Any("error", err))
	e.recorder.RecordCallback(method, OutcomeUnexpected)
	e.emit(events.ProxyCallbackUnexpected{Account: account, Method: method, Reason: err.Error()})
}

// payout transfers amount to account, re-crediting Unstaked when the
// transfer fails. It reports whether the funds left the proxy.
func (e *Engine) payout(op, account string, amount *uint256.Int) bool {
	if isZero(amount) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.params.WithdrawBudget)
	defer cancel()
	err := errNilBank
	if e.bank != nil {
		err = e.bank.Transfer(ctx, account, amount.Clone())
	}
	if err == nil {
		return true
	}
	e.logger.Error("payout transfer failed, re-crediting",
		slog.String("op", op), slog.String("account", account),
		slog.String("amount", amount.Dec()), slog.Any("error", err))
	e.recorder.RecordTransferFailure(op)
	acc, loadErr := e.ledger.Get(account)
	if loadErr == nil {
		acc.Unstaked = saturatingAdd(acc.Unstaked, amount)
		loadErr = e.ledger.Save(account, acc)
	}
	if loadErr != nil {
		e.logger.Error("re-credit after failed transfer",
			slog.String("account", account), slog.String("amount", amount.Dec()), slog.Any("error", loadErr))
	}
	e.emit(events.ProxyTransferFailed{Account: account, Amount: amount.Clone(), Reason: err.Error()})
	return false
}

func (e *Engine) publishContract(c *Contract) {
	e.recorder.SetContract(c.TotalStakeShares, c.SharePrice, c.FeeBasisPoints)
}

func (e *Engine) resolveAccount(raw string) (string, *Account, error) {
	id, err := NormalizeAccountID(raw)
	if err != nil {
		return "", nil, err
	}
	acc, err := e.ledger.Get(id)
	if err != nil {
		return "", nil, err
	}
	return id, acc, nil
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, promise.ErrOutcomeUnknown) {
		return "outcome unknown"
	}
	if errors.Is(err, ErrNotApplied) {
		return "not applied"
	}
	if errors.Is(err, promise.ErrAbandoned) {
		return "abandoned"
	}
	return err.Error()
}
