package poolsim

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/observability"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codePoolError      = -32000
)

// Server exposes a Simulator over JSON-RPC plus an admin surface for price
// changes and fault injection.
type Server struct {
	sim        *pool.Simulator
	bearer     string
	adminToken string
	logger     *slog.Logger
	router     chi.Router
}

// NewServer builds the router around sim. Empty tokens disable the
// corresponding authentication.
func NewServer(sim *pool.Simulator, bearer, adminToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sim:        sim,
		bearer:     strings.TrimSpace(bearer),
		adminToken: strings.TrimSpace(adminToken),
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.requireToken(s.bearer)).Post("/", s.handleRPC)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireToken(s.adminToken))
		r.Get("/state", s.handleState)
		r.Post("/price", s.handlePrice)
		r.Post("/fee", s.handleFee)
		r.Post("/faults", s.handleFaults)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req pool.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, pool.RPCResponse{JSONRPC: "2.0", Error: &pool.RPCError{Code: codeParseError, Message: "parse error"}})
		return
	}
	resp := pool.RPCResponse{JSONRPC: "2.0", ID: req.ID}
	method, err := pool.ParseMethod(req.Method)
	if err != nil {
		resp.Error = &pool.RPCError{Code: codeMethodNotFound, Message: err.Error()}
		writeRPC(w, resp)
		return
	}
	result, err := s.sim.Invoke(r.Context(), method, req.Params)
	observability.PoolSim().RecordCall(string(method), err)
	if err != nil {
		code := codePoolError
		if strings.Contains(err.Error(), "decode params") || strings.Contains(err.Error(), "params required") {
			code = codeInvalidParams
		}
		s.logger.Info("pool call failed", slog.String("method", string(method)), slog.Any("error", err))
		resp.Error = &pool.RPCError{Code: code, Message: err.Error()}
		writeRPC(w, resp)
		return
	}
	resp.Result = result
	writeRPC(w, resp)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.Snapshot())
}

type priceRequest struct {
	SharePrice string `json:"share_price"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	price, err := uint256.FromDecimal(strings.TrimSpace(req.SharePrice))
	if err != nil {
		http.Error(w, "invalid share price", http.StatusBadRequest)
		return
	}
	if err := s.sim.SetSharePrice(price); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("share price updated", slog.String("share_price", price.Dec()))
	writeJSON(w, http.StatusOK, s.sim.Snapshot())
}

type feeRequest struct {
	FeeBasisPoints uint16 `json:"fee_basis_points"`
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.sim.SetFeeBasisPoints(req.FeeBasisPoints); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.sim.Snapshot())
}

type faultRequest struct {
	Method string `json:"method"`
	Kind   string `json:"kind"`
	Count  int    `json:"count"`
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	method, err := pool.ParseMethod(req.Method)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	switch strings.ToLower(strings.TrimSpace(req.Kind)) {
	case "", "fail":
		s.sim.FailNext(method, req.Count)
		req.Kind = "fail"
	case "corrupt":
		s.sim.CorruptNext(method, req.Count)
		req.Kind = "corrupt"
	default:
		http.Error(w, errors.New("kind must be fail or corrupt").Error(), http.StatusBadRequest)
		return
	}
	observability.PoolSim().RecordFault(string(method), req.Kind, req.Count)
	s.logger.Warn("fault injected", slog.String("method", string(method)), slog.String("kind", req.Kind), slog.Int("count", req.Count))
	w.WriteHeader(http.StatusNoContent)
}

func writeRPC(w http.ResponseWriter, resp pool.RPCResponse) {
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response", slog.Any("error", err))
	}
}
