package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stakeproxy/core/events"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordsStatusTransitions(t *testing.T) {
	store := setupStore(t)
	call := promise.Call{
		Method:  pool.MethodDepositAndStake,
		Params:  pool.AmountParams{Amount: pool.NewAmount(uint256.NewInt(100))},
		Account: "alice",
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.CallScheduled("call-1", call, at)

	op, err := store.Operation(context.Background(), "call-1")
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, op.Status)
	require.Equal(t, "deposit_and_stake", op.Method)
	require.Equal(t, "alice", op.Account)
	require.JSONEq(t, `{"amount":"100"}`, op.Payload)
	require.Nil(t, op.SettledAt)

	store.CallSettled("call-1", call, promise.Result{ID: "call-1", Payload: []byte(`"100"`), SettledAt: at.Add(time.Second)})
	op, err = store.Operation(context.Background(), "call-1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, op.Status)
	require.Equal(t, `"100"`, op.Payload)
	require.NotNil(t, op.SettledAt)
}

func TestStoreRecordsFailures(t *testing.T) {
	store := setupStore(t)
	call := promise.Call{Method: pool.MethodUnstake, Account: "bob"}
	store.CallScheduled("call-2", call, time.Now())
	store.CallSettled("call-2", call, promise.Result{ID: "call-2", Err: errors.New("pool unavailable"), SettledAt: time.Now()})

	op, err := store.Operation(context.Background(), "call-2")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, op.Status)
	require.Equal(t, "pool unavailable", op.Error)

	ops, err := store.Recent(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

func TestStoreUnknownOutcomeAwaitsResolution(t *testing.T) {
	store := setupStore(t)
	call := promise.Call{Method: pool.MethodDepositAndStake, Account: "alice"}
	store.CallScheduled("call-3", call, time.Now())
	timeout := fmt.Errorf("%w: %w", promise.ErrOutcomeUnknown, context.DeadlineExceeded)
	store.CallSettled("call-3", call, promise.Result{ID: "call-3", Err: timeout, SettledAt: time.Now()})

	op, err := store.Operation(context.Background(), "call-3")
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, op.Status)

	store.Emit(events.ProxyInDoubtResolved{CallID: "call-3", Account: "alice", Method: "deposit_and_stake", Applied: true})
	op, err = store.Operation(context.Background(), "call-3")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, op.Status)

	store.Emit(events.ProxyInDoubtResolved{CallID: "call-3", Account: "alice", Applied: false})
	op, err = store.Operation(context.Background(), "call-3")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, op.Status, "settled operations are not rewritten")
}

func TestStoreOperationNotFound(t *testing.T) {
	store := setupStore(t)
	_, err := store.Operation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreEmitPersistsEvents(t *testing.T) {
	store := setupStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	store.Emit(events.ProxyDeposited{Account: "alice", Amount: uint256.NewInt(7)})
	store.Emit(events.ProxyStakeRequested{Account: "alice", Amount: uint256.NewInt(7), CallID: "call-9"})
	store.Emit(events.ProxyDeposited{Account: "carol", Amount: uint256.NewInt(1)})

	rows, err := store.Events(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, events.TypeProxyDeposited, rows[0].Type)
	require.JSONEq(t, `{"account":"alice","amount":"7"}`, rows[0].Attributes)
	require.Equal(t, "call-9", rows[1].CallID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
