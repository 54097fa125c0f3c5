package proxyd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nativecommon "stakeproxy/native/common"
	"stakeproxy/native/stakeproxy"
	"stakeproxy/native/stakeproxy/promise"
	"stakeproxy/services/proxyd/journal"
	"stakeproxy/services/proxyd/wallet"
)

// ServerOptions wires the HTTP surface to its collaborators. Journal may be
// nil, in which case operation lookups return 404.
type ServerOptions struct {
	Engine    *stakeproxy.Engine
	Wallet    wallet.Wallet
	Journal   *journal.Store
	Hub       *Hub
	Callers   *CallerAuthenticator
	Admin     *AdminAuthenticator
	RateLimit *RateLimiter
	Pending   func() int
	Logger    *slog.Logger
}

// Server exposes the proxy over HTTP.
type Server struct {
	engine  *stakeproxy.Engine
	wallet  wallet.Wallet
	journal *journal.Store
	hub     *Hub
	pending func() int
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the router.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("proxyd: engine required")
	}
	if opts.Wallet == nil {
		return nil, errors.New("proxyd: wallet required")
	}
	if opts.Callers == nil || opts.Admin == nil {
		return nil, errors.New("proxyd: authenticators required")
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.RateLimit == nil {
		opts.RateLimit = NewRateLimiter(RateLimitConfig{})
	}
	if opts.Pending == nil {
		opts.Pending = func() int { return 0 }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		engine:  opts.Engine,
		wallet:  opts.Wallet,
		journal: opts.Journal,
		hub:     opts.Hub,
		pending: opts.Pending,
		logger:  opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(instrument)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(opts.Callers.Middleware)
		r.Use(opts.RateLimit.Middleware)
		r.Post("/deposit", s.attached(stakeproxy.OpDeposit, s.engine.Deposit))
		r.Post("/deposit-and-stake", s.attached(stakeproxy.OpDepositAndStake, s.engine.DepositAndStake))
		r.Post("/stake", s.withAmount(s.engine.Stake))
		r.Post("/stake-all", s.withoutAmount(s.engine.StakeAll))
		r.Post("/unstake", s.withAmount(s.engine.Unstake))
		r.Post("/unstake-all", s.withoutAmount(s.engine.UnstakeAll))
		r.Post("/withdraw", s.withAmount(s.engine.Withdraw))
		r.Post("/withdraw-all", s.withoutAmount(s.engine.WithdrawAll))
		r.Post("/ping", s.handlePing)
		r.Get("/accounts/{id}", s.handleAccount)
		r.Get("/accounts/{id}/operations", s.handleAccountOperations)
		r.Get("/totals", s.handleTotals)
		r.Get("/operations/{id}", s.handleOperation)
		r.Get("/events", s.handleEvents)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(opts.Admin.Middleware)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/release", s.handleRelease)
		r.Post("/fund", s.handleFund)
		r.Get("/status", s.handleStatus)
		r.Get("/in-doubt", s.handleInDoubt)
		r.Post("/resolve", s.handleResolve)
	})
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type receiptResponse struct {
	Operation string `json:"operation"`
	Account   string `json:"account"`
	Amount    string `json:"amount,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Pending   bool   `json:"pending"`
}

type accountResponse struct {
	Account                      string   `json:"account"`
	Unstaked                     string   `json:"unstaked"`
	UnstakedPendingExternal      string   `json:"unstaked_pending_external"`
	StakeShares                  string   `json:"stake_shares"`
	StakedBalance                string   `json:"staked_balance"`
	UnstakedAvailableEpochHeight uint64   `json:"unstaked_available_epoch_height"`
	CanWithdraw                  bool     `json:"can_withdraw"`
	Busy                         bool     `json:"busy"`
	InDoubt                      []string `json:"in_doubt,omitempty"`
}

type totalsResponse struct {
	TotalStakeShares string   `json:"total_stake_shares"`
	SharePrice       string   `json:"share_price"`
	FeeBasisPoints   uint16   `json:"fee_basis_points"`
	Paused           bool     `json:"paused"`
	Accounts         int      `json:"accounts"`
	GuardsHeld       []string `json:"guards_held"`
	InDoubtCalls     int      `json:"in_doubt_calls"`
	CurrentEpoch     uint64   `json:"current_epoch"`
	Digest           string   `json:"digest"`
}

type amountOp func(ctx context.Context, caller string, amount *uint256.Int) (*stakeproxy.Receipt, error)

type allOp func(ctx context.Context, caller string) (*stakeproxy.Receipt, error)

// attached collects the request amount from the caller's wallet before
// handing it to the engine as attached value. Rejected operations refund.
func (s *Server) attached(op string, fn amountOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		amount, err := decodeAmount(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := s.wallet.Collect(r.Context(), caller, amount); err != nil {
			writeEngineError(w, fmt.Errorf("collect attached value: %w", err))
			return
		}
		receipt, err := fn(r.Context(), caller, amount)
		if err != nil {
			if _, refundErr := s.wallet.Transfer(context.WithoutCancel(r.Context()), caller, amount); refundErr != nil {
				s.logger.Error("refund of rejected attached value failed",
					slog.String("op", op), slog.String("account", caller),
					slog.String("amount", amount.Dec()), slog.Any("error", refundErr))
			}
			writeEngineError(w, err)
			return
		}
		writeReceipt(w, receipt)
	}
}

func (s *Server) withAmount(fn amountOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		amount, err := decodeAmount(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		receipt, err := fn(r.Context(), caller, amount)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeReceipt(w, receipt)
	}
}

func (s *Server) withoutAmount(fn allOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		receipt, err := fn(r.Context(), caller)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeReceipt(w, receipt)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.Ping(r.Context())
	if len(ids) == 0 && err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{"call_ids": ids}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Account(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Account:                      view.Account,
		Unstaked:                     view.Unstaked.Dec(),
		UnstakedPendingExternal:      view.UnstakedPendingExternal.Dec(),
		StakeShares:                  view.StakeShares.Dec(),
		StakedBalance:                view.StakedBalance.Dec(),
		UnstakedAvailableEpochHeight: view.UnstakedAvailableEpochHeight,
		CanWithdraw:                  view.CanWithdraw,
		Busy:                         view.Busy,
		InDoubt:                      view.InDoubt,
	})
}

func (s *Server) handleAccountOperations(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	id, err := stakeproxy.NormalizeAccountID(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if id != caller {
		writeJSONError(w, http.StatusForbidden, errors.New("operations are only visible to their account"))
		return
	}
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.journal.Recent(r.Context(), id, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleTotals(w http.ResponseWriter, _ *http.Request) {
	totals, err := s.engine.Totals()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totalsFrom(totals))
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	op, err := s.journal.Operation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if op.Account != "" && op.Account != caller {
		writeJSONError(w, http.StatusNotFound, journal.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func totalsFrom(t *stakeproxy.Totals) totalsResponse {
	guards := t.GuardsHeld
	if guards == nil {
		guards = []string{}
	}
	return totalsResponse{
		TotalStakeShares: t.TotalStakeShares.Dec(),
		SharePrice:       t.SharePrice.Dec(),
		FeeBasisPoints:   t.FeeBasisPoints,
		Paused:           t.Paused,
		Accounts:         t.Accounts,
		GuardsHeld:       guards,
		InDoubtCalls:     t.InDoubtCalls,
		CurrentEpoch:     t.CurrentEpoch,
		Digest:           t.Digest,
	}
}

func decodeAmount(r *http.Request) (*uint256.Int, error) {
	var req amountRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16)).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	if amount.IsZero() {
		return nil, stakeproxy.ErrInvalidAmount
	}
	return amount, nil
}

func writeReceipt(w http.ResponseWriter, receipt *stakeproxy.Receipt) {
	resp := receiptResponse{
		Operation: receipt.Operation,
		Account:   receipt.Account,
		CallID:    receipt.CallID,
		Pending:   receipt.Pending,
	}
	if receipt.Amount != nil {
		resp.Amount = receipt.Amount.Dec()
	}
	status := http.StatusOK
	if receipt.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine and collaborator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stakeproxy.ErrBusy),
		errors.Is(err, stakeproxy.ErrInDoubt):
		return http.StatusConflict
	case errors.Is(err, stakeproxy.ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, stakeproxy.ErrUnstakeLocked):
		return http.StatusLocked
	case errors.Is(err, promise.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, stakeproxy.ErrPriceUnavailable),
		errors.Is(err, promise.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, stakeproxy.ErrInvalidAmount),
		errors.Is(err, stakeproxy.ErrInvalidAccount),
		errors.Is(err, stakeproxy.ErrInsufficientUnstaked),
		errors.Is(err, stakeproxy.ErrInsufficientShares),
		errors.Is(err, stakeproxy.ErrBelowMinimum),
		errors.Is(err, stakeproxy.ErrOperationDisabled),
		errors.Is(err, stakeproxy.ErrNoStakedBalance),
		errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response", slog.Any("error", err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
