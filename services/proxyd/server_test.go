package proxyd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"stakeproxy/core/epoch"
	"stakeproxy/core/events"
	"stakeproxy/core/types"
	"stakeproxy/native/stakeproxy"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
	"stakeproxy/services/proxyd/journal"
	"stakeproxy/services/proxyd/wallet"
	"stakeproxy/storage"
)

const (
	testSecret     = "test-secret"
	testAdminToken = "admin-token"
)

type testEnv struct {
	server     *httptest.Server
	engine     *stakeproxy.Engine
	dispatcher *promise.Dispatcher
	sim        *pool.Simulator
	wallet     *wallet.Memory
	journal    *journal.Store
	hub        *Hub
	epochs     *epoch.Manual
}

func newTestEnv(t *testing.T, params stakeproxy.Params) *testEnv {
	t.Helper()
	return newTestEnvWith(t, params, nil)
}

// newTestEnvWith lets a test interpose on the path to the simulator.
func newTestEnvWith(t *testing.T, params stakeproxy.Params, wrap func(pool.Client) pool.Client) *testEnv {
	t.Helper()
	epochs := epoch.NewManual(10)
	sim := pool.NewSimulator(pool.WithEpochSource(epochs.Current))
	var client pool.Client = sim
	if wrap != nil {
		client = wrap(sim)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := journal.New(db)
	require.NoError(t, err)

	dispatcher := promise.NewDispatcher(client, promise.WithObserver(store))
	dispatcher.Start(context.Background())

	hub := NewHub(nil)
	engine := stakeproxy.NewEngine(stakeproxy.NewLedger(storage.NewMemDB()), dispatcher, params)
	custody := wallet.NewMemory()
	engine.SetBank(bankFor(custody))
	engine.SetEpochSource(epochs)
	engine.SetEmitter(events.MultiEmitter{hub, store})

	callers, err := NewCallerAuthenticator(AuthConfig{HMACSecret: testSecret}, nil)
	require.NoError(t, err)
	admin, err := NewAdminAuthenticator(AdminAuthConfig{BearerToken: testAdminToken})
	require.NoError(t, err)
	srv, err := NewServer(ServerOptions{
		Engine:    engine,
		Wallet:    custody,
		Journal:   store,
		Hub:       hub,
		Callers:   callers,
		Admin:     admin,
		RateLimit: NewRateLimiter(RateLimitConfig{RequestsPerMinute: 6000, Burst: 100}),
		Pending:   dispatcher.Pending,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dispatcher.Close(ctx)
		_ = store.Close()
	})
	return &testEnv{server: ts, engine: engine, dispatcher: dispatcher, sim: sim, wallet: custody, journal: store, hub: hub, epochs: epochs}
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.dispatcher.Drain(ctx))
}

func (e *testEnv) do(t *testing.T, method, path, account string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &payload)
	require.NoError(t, err)
	switch {
	case account == "admin":
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	case account != "":
		token, err := IssueToken(testSecret, account, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	decoded := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func TestDepositAndStakeLifecycle(t *testing.T) {
	env := newTestEnv(t, stakeproxy.DefaultParams())
	env.wallet.Fund("alice", uint256.NewInt(1000))

	resp, body := env.do(t, http.MethodPost, "/v1/deposit-and-stake", "alice", amountRequest{Amount: "600"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, true, body["pending"])
	callID, _ := body["call_id"].(string)
	require.NotEmpty(t, callID)
	env.drain(t)

	_, view := env.do(t, http.MethodGet, "/v1/accounts/alice", "alice", nil)
	require.Equal(t, "600", view["stake_shares"])
	require.Equal(t, "600", view["staked_balance"])
	require.Equal(t, "400", env.wallet.Balance("alice").Dec())

	resp, op := env.do(t, http.MethodGet, "/v1/operations/"+callID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, journal.StatusSucceeded, op["Status"])

	resp, _ = env.do(t, http.MethodGet, "/v1/operations/"+callID, "bob", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/unstake-all", "alice", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.drain(t)

	resp, body = env.do(t, http.MethodPost, "/v1/withdraw-all", "alice", nil)
	require.Equal(t, http.StatusLocked, resp.StatusCode)
	require.Contains(t, body["error"], "not yet available")

	env.epochs.Advance(4)
	resp, _ = env.do(t, http.MethodPost, "/v1/withdraw-all", "alice", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.drain(t)
	require.Equal(t, "1000", env.wallet.Balance("alice").Dec())

	_, totals := env.do(t, http.MethodGet, "/v1/totals", "alice", nil)
	require.Equal(t, "0", totals["total_stake_shares"])
	require.NoError(t, env.engine.CheckInvariants())
}

func TestRejectedDepositRefundsAttachedValue(t *testing.T) {
	params := stakeproxy.DefaultParams()
	params.Variant = stakeproxy.VariantCustodial
	params.MinDepositAndStake = uint256.NewInt(500)
	env := newTestEnv(t, params)
	env.wallet.Fund("alice", uint256.NewInt(1000))

	resp, body := env.do(t, http.MethodPost, "/v1/deposit", "alice", amountRequest{Amount: "100"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "disabled")
	require.Equal(t, "1000", env.wallet.Balance("alice").Dec())

	resp, _ = env.do(t, http.MethodPost, "/v1/deposit-and-stake", "alice", amountRequest{Amount: "100"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "1000", env.wallet.Balance("alice").Dec())

	resp, _ = env.do(t, http.MethodPost, "/v1/deposit-and-stake", "alice", amountRequest{Amount: "5000"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, stakeproxy.DefaultParams())
	env.wallet.Fund("alice", uint256.NewInt(1000))

	resp, _ := env.do(t, http.MethodPost, "/v1/stake", "alice", amountRequest{Amount: "0"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/deposit", "alice", amountRequest{Amount: "100"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/admin/pause", "admin", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/v1/stake", "alice", amountRequest{Amount: "50"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/admin/resume", "admin", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.sim.FailNext(pool.MethodDepositAndStake, 1)
	resp, _ = env.do(t, http.MethodPost, "/v1/stake", "alice", amountRequest{Amount: "50"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	// The guard may still be held; a second request either conflicts or
	// lands after the first settled.
	resp, _ = env.do(t, http.MethodPost, "/v1/stake", "alice", amountRequest{Amount: "50"})
	require.Contains(t, []int{http.StatusConflict, http.StatusAccepted}, resp.StatusCode)
	env.drain(t)

	resp, _ = env.do(t, http.MethodPost, "/v1/withdraw", "alice", amountRequest{Amount: "5000"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, stakeproxy.DefaultParams())

	resp, _ := env.do(t, http.MethodGet, "/v1/totals", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/totals", nil)
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "alice", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	require.Equal(t, http.StatusUnauthorized, raw.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/admin/status", "alice", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, status := env.do(t, http.MethodGet, "/admin/status", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(400), status["fee_basis_points"])
}

func TestAdminReleaseAndFund(t *testing.T) {
	env := newTestEnv(t, stakeproxy.DefaultParams())

	resp, body := env.do(t, http.MethodPost, "/admin/fund", "admin", fundRequest{Account: "Carol", Amount: "25"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "carol", body["account"])
	require.Equal(t, "25", body["balance"])

	resp, body = env.do(t, http.MethodPost, "/admin/release", "admin", releaseRequest{Account: "carol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["was_held"])
}

func TestAdminResolvesInDoubtCall(t *testing.T) {
	params := stakeproxy.DefaultParams()
	params.StakeBudget = 20 * time.Millisecond
	env := newTestEnvWith(t, params, func(next pool.Client) pool.Client {
		return pool.ClientFunc(func(ctx context.Context, method pool.Method, p any) (json.RawMessage, error) {
			payload, err := next.Invoke(ctx, method, p)
			if err != nil || method != pool.MethodDepositAndStake {
				return payload, err
			}
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})
	env.wallet.Fund("alice", uint256.NewInt(1000))

	resp, body := env.do(t, http.MethodPost, "/v1/deposit-and-stake", "alice", amountRequest{Amount: "600"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	callID, _ := body["call_id"].(string)
	env.drain(t)

	require.Equal(t, "400", env.wallet.Balance("alice").Dec(), "a stake the pool may hold is not refunded")
	op, err := env.journal.Operation(context.Background(), callID)
	require.NoError(t, err)
	require.Equal(t, journal.StatusUnknown, op.Status)

	resp, _ = env.do(t, http.MethodPost, "/v1/deposit-and-stake", "alice", amountRequest{Amount: "10"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "400", env.wallet.Balance("alice").Dec())
	_, view := env.do(t, http.MethodGet, "/v1/accounts/alice", "alice", nil)
	require.Equal(t, []any{callID}, view["in_doubt"])

	resp, _ = env.do(t, http.MethodGet, "/admin/in-doubt", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, status := env.do(t, http.MethodGet, "/admin/status", "admin", nil)
	require.Equal(t, float64(1), status["in_doubt_calls"])
	require.Equal(t, "600", status["wallet_treasury"])
	require.Equal(t, "0", status["wallet_recalled"])

	resp, body = env.do(t, http.MethodPost, "/admin/resolve", "admin", resolveRequest{CallID: callID, Result: json.RawMessage(`"600"`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["applied"])

	_, view = env.do(t, http.MethodGet, "/v1/accounts/alice", "alice", nil)
	require.Equal(t, "600", view["stake_shares"])
	require.Nil(t, view["in_doubt"])
	op, err = env.journal.Operation(context.Background(), callID)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSucceeded, op.Status)

	resp, _ = env.do(t, http.MethodPost, "/admin/resolve", "admin", resolveRequest{CallID: callID})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }
	require.True(t, limiter.allow("alice"))
	require.True(t, limiter.allow("alice"))
	require.False(t, limiter.allow("alice"))
	require.True(t, limiter.allow("bob"))
	now = now.Add(time.Second)
	require.True(t, limiter.allow("alice"))
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, stakeproxy.DefaultParams())
	env.wallet.Fund("alice", uint256.NewInt(100))
	env.wallet.Fund("bob", uint256.NewInt(100))

	token, err := IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/events?access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := env.do(t, http.MethodPost, "/v1/deposit", "bob", amountRequest{Amount: "10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/v1/deposit", "alice", amountRequest{Amount: "20"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, events.TypeProxyDeposited, evt.Type)
	require.Equal(t, "alice", evt.Attribute("account"))
	require.Equal(t, "20", evt.Attribute("amount"))
}

func TestPollerPingsImmediately(t *testing.T) {
	env := newTestEnv(t, stakeproxy.DefaultParams())
	price := new(uint256.Int).Mul(pool.PriceDenominator(), uint256.NewInt(2))
	require.NoError(t, env.sim.SetSharePrice(price))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPoller(env.engine, time.Hour, nil).Run(ctx) }()
	require.Eventually(t, func() bool {
		totals, err := env.engine.Totals()
		return err == nil && totals.SharePrice.Eq(price)
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestStatusForUnknownError(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
	require.Equal(t, http.StatusTooManyRequests, statusFor(fmt.Errorf("wrap: %w", promise.ErrQueueFull)))
	require.Equal(t, http.StatusConflict, statusFor(stakeproxy.ErrBusy))
}
