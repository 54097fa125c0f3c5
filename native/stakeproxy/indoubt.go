package stakeproxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"stakeproxy/core/events"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
	"stakeproxy/storage"
)

const inDoubtKeyPrefix = "stakeproxy/indoubt/"

// InDoubtCall is a guarded pool call whose outcome was never observed: the
// proxy stopped waiting on budget expiry or shutdown while the pool may still
// have applied it. Local state is left exactly as it was at scheduling time
// until an operator resolves the call.
type InDoubtCall struct {
	CallID    string
	Operation string
	Account   string
	Method    pool.Method
	// Amount is the staked amount, the unstaked shares or the requested
	// payout, depending on Method.
	Amount          *uint256.Int
	IncludedDeposit bool
	Since           time.Time
	Reason          string
}

func (c *InDoubtCall) intent() callIntent {
	return callIntent{
		op:              c.Operation,
		account:         c.Account,
		method:          c.Method,
		amount:          orZero(c.Amount).Clone(),
		includedDeposit: c.IncludedDeposit,
	}
}

type storedInDoubt struct {
	CallID          string
	Operation       string
	Account         string
	Method          string
	Amount          []byte
	IncludedDeposit bool
	Since           uint64
	Reason          string
}

func inDoubtKey(callID string) []byte {
	return []byte(inDoubtKeyPrefix + callID)
}

// SaveInDoubt persists an in-doubt call keyed by its call id.
func (l *Ledger) SaveInDoubt(c *InDoubtCall) error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	encoded, err := rlp.EncodeToBytes(storedInDoubt{
		CallID:          c.CallID,
		Operation:       c.Operation,
		Account:         c.Account,
		Method:          string(c.Method),
		Amount:          orZero(c.Amount).Bytes(),
		IncludedDeposit: c.IncludedDeposit,
		Since:           uint64(c.Since.Unix()),
		Reason:          c.Reason,
	})
	if err != nil {
		return fmt.Errorf("stakeproxy: encode in-doubt call %s: %w", c.CallID, err)
	}
	if err := l.db.Put(inDoubtKey(c.CallID), encoded); err != nil {
		return fmt.Errorf("stakeproxy: store in-doubt call %s: %w", c.CallID, err)
	}
	return nil
}

// InDoubt loads one in-doubt call. It returns ErrCallNotFound when absent.
func (l *Ledger) InDoubt(callID string) (*InDoubtCall, error) {
	if l == nil || l.db == nil {
		return nil, errNilLedger
	}
	raw, err := l.db.Get(inDoubtKey(callID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stakeproxy: load in-doubt call %s: %w", callID, err)
	}
	return decodeInDoubt(raw)
}

// DeleteInDoubt removes a resolved call.
func (l *Ledger) DeleteInDoubt(callID string) error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	if err := l.db.Delete(inDoubtKey(callID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("stakeproxy: delete in-doubt call %s: %w", callID, err)
	}
	return nil
}

// InDoubtCalls lists every unresolved call in call id order.
func (l *Ledger) InDoubtCalls() ([]InDoubtCall, error) {
	if l == nil || l.db == nil {
		return nil, errNilLedger
	}
	var (
		out       []InDoubtCall
		decodeErr error
	)
	err := l.db.Iterate([]byte(inDoubtKeyPrefix), func(key, value []byte) bool {
		c, err := decodeInDoubt(value)
		if err != nil {
			decodeErr = fmt.Errorf("stakeproxy: decode in-doubt call %s: %w", strings.TrimPrefix(string(key), inDoubtKeyPrefix), err)
			return false
		}
		out = append(out, *c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// InDoubtFor lists the unresolved calls of one account.
func (l *Ledger) InDoubtFor(account string) ([]InDoubtCall, error) {
	all, err := l.InDoubtCalls()
	if err != nil {
		return nil, err
	}
	var out []InDoubtCall
	for _, c := range all {
		if c.Account == account {
			out = append(out, c)
		}
	}
	return out, nil
}

func decodeInDoubt(raw []byte) (*InDoubtCall, error) {
	var stored storedInDoubt
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	return &InDoubtCall{
		CallID:          stored.CallID,
		Operation:       stored.Operation,
		Account:         stored.Account,
		Method:          pool.Method(stored.Method),
		Amount:          new(uint256.Int).SetBytes(stored.Amount),
		IncludedDeposit: stored.IncludedDeposit,
		Since:           time.Unix(int64(stored.Since), 0).UTC(),
		Reason:          stored.Reason,
	}, nil
}

// holdInDoubt parks a call whose outcome is unknown. Nothing is rolled back
// or refunded: the pool may hold the funds.
func (e *Engine) holdInDoubt(intent callIntent, result promise.Result) {
	method := string(intent.method)
	since := result.SettledAt
	if since.IsZero() {
		since = time.Now()
	}
	record := &InDoubtCall{
		CallID:          result.ID,
		Operation:       intent.op,
		Account:         intent.account,
		Method:          intent.method,
		Amount:          intent.amount.Clone(),
		IncludedDeposit: intent.includedDeposit,
		Since:           since.UTC(),
		Reason:          result.Err.Error(),
	}
	log := e.logger.With(slog.String("account", intent.account), slog.String("call_id", result.ID), slog.String("method", method))
	if err := e.ledger.SaveInDoubt(record); err != nil {
		log.Error("persist in-doubt call", slog.Any("error", err))
	}
	e.recorder.RecordCallback(method, OutcomeUnknown)
	log.Error("pool call outcome unknown, holding for reconciliation",
		slog.String("amount", intent.amount.Dec()), slog.Any("error", result.Err))
	e.emit(events.ProxyOutcomeUnknown{
		CallID:  result.ID,
		Account: intent.account,
		Method:  method,
		Amount:  intent.amount.Clone(),
		Reason:  reason(result.Err),
	})
}

// InDoubt lists the calls awaiting reconciliation.
func (e *Engine) InDoubt() ([]InDoubtCall, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.InDoubtCalls()
}

// Resolve settles an in-doubt call from the pool's own records. A non-empty
// payload is the pool's result for the call and is applied as a success; an
// empty payload declares the call was never applied, which rolls back and
// refunds exactly as a failed call would.
func (e *Engine) Resolve(callID string, payload json.RawMessage) error {
	if err := e.ready(); err != nil {
		return err
	}
	callID = strings.TrimSpace(callID)
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.ledger.InDoubt(callID)
	if err != nil {
		return err
	}
	applied := len(strings.TrimSpace(string(payload))) > 0
	if applied {
		if err := validatePayload(record.Method, payload); err != nil {
			return fmt.Errorf("stakeproxy: resolve %s: %w", callID, err)
		}
	}
	if err := e.ledger.DeleteInDoubt(callID); err != nil {
		return err
	}
	result := promise.Result{ID: callID, SettledAt: time.Now()}
	if applied {
		result.Payload = payload
	} else {
		result.Err = ErrNotApplied
	}
	e.settler(record.intent())(result)
	e.logger.Warn("in-doubt call resolved", slog.String("call_id", callID),
		slog.String("account", record.Account), slog.String("method", string(record.Method)), slog.Bool("applied", applied))
	e.emit(events.ProxyInDoubtResolved{CallID: callID, Account: record.Account, Method: string(record.Method), Applied: applied})
	return nil
}

func validatePayload(method pool.Method, payload json.RawMessage) error {
	switch method {
	case pool.MethodUnstake:
		_, err := pool.DecodeUnstake(payload)
		return err
	default:
		_, err := pool.DecodeAmount(payload)
		return err
	}
}
