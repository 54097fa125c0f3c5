package proxyd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"stakeproxy/native/stakeproxy"
	"stakeproxy/services/proxyd/wallet"
)

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Pause(); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Resume(); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type releaseRequest struct {
	Account string `json:"account"`
	Reason  string `json:"reason"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid request"))
		return
	}
	wasHeld, err := s.engine.ForceRelease(req.Account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.Warn("admin released guard",
		slog.String("account", req.Account), slog.String("reason", strings.TrimSpace(req.Reason)), slog.Bool("was_held", wasHeld))
	writeJSON(w, http.StatusOK, map[string]bool{"was_held": wasHeld})
}

type fundRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// handleFund credits an external balance on the in-memory wallet. Other
// wallets are funded out of band.
func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	mem, ok := s.wallet.(*wallet.Memory)
	if !ok {
		writeJSONError(w, http.StatusNotImplemented, errors.New("wallet does not support funding"))
		return
	}
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid request"))
		return
	}
	account, err := stakeproxy.NormalizeAccountID(req.Account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(req.Amount))
	if err != nil || amount.IsZero() {
		writeJSONError(w, http.StatusBadRequest, stakeproxy.ErrInvalidAmount)
		return
	}
	mem.Fund(account, amount)
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "balance": mem.Balance(account).Dec()})
}

type statusResponse struct {
	totalsResponse
	PendingCalls   int    `json:"pending_calls"`
	Subscribers    int    `json:"subscribers"`
	WalletTreasury string `json:"wallet_treasury,omitempty"`
	WalletRecalled string `json:"wallet_recalled,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	totals, err := s.engine.Totals()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := statusResponse{
		totalsResponse: totalsFrom(totals),
		PendingCalls:   s.pending(),
		Subscribers:    s.hub.Subscribers(),
	}
	if mem, ok := s.wallet.(*wallet.Memory); ok {
		resp.WalletTreasury = mem.Treasury().Dec()
		resp.WalletRecalled = mem.Recalled().Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

type inDoubtResponse struct {
	CallID          string `json:"call_id"`
	Operation       string `json:"operation"`
	Account         string `json:"account"`
	Method          string `json:"method"`
	Amount          string `json:"amount"`
	IncludedDeposit bool   `json:"included_deposit"`
	Since           string `json:"since"`
	Reason          string `json:"reason"`
}

func (s *Server) handleInDoubt(w http.ResponseWriter, _ *http.Request) {
	calls, err := s.engine.InDoubt()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := make([]inDoubtResponse, 0, len(calls))
	for _, c := range calls {
		resp = append(resp, inDoubtResponse{
			CallID:          c.CallID,
			Operation:       c.Operation,
			Account:         c.Account,
			Method:          string(c.Method),
			Amount:          c.Amount.Dec(),
			IncludedDeposit: c.IncludedDeposit,
			Since:           c.Since.Format(time.RFC3339),
			Reason:          c.Reason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveRequest carries the operator's verdict on an in-doubt call. Result
// is the pool's payload for the call when it was applied and is omitted when
// the pool has no record of it.
type resolveRequest struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.CallID) == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid request"))
		return
	}
	if string(req.Result) == "null" {
		req.Result = nil
	}
	if err := s.engine.Resolve(req.CallID, req.Result); err != nil {
		if errors.Is(err, stakeproxy.ErrCallNotFound) {
			writeEngineError(w, err)
			return
		}
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	applied := len(req.Result) > 0
	s.logger.Warn("admin resolved in-doubt call", slog.String("call_id", req.CallID), slog.Bool("applied", applied))
	writeJSON(w, http.StatusOK, map[string]any{"call_id": req.CallID, "applied": applied})
}
