package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/gateway"
	"github.com/Mindburn-Labs/tradegate/pkg/idempotency"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 1 << 20
	defaultInsightLimit = 10
	maxInsightLimit     = 100

	// inFlightTTL bounds how long a crashed request can hold its key.
	inFlightTTL = 5 * time.Minute
)

// Options configures the HTTP surface.
type Options struct {
	Version        string
	Validator      *JWTValidator // nil disables auth
	RateLimitRPS   float64
	RateLimitBurst int
	ResponseCache  ResponseCache
	// InFlight holds Idempotency-Keys of requests still being served.
	// Defaults to an in-process registry.
	InFlight idempotency.Registry
	Logger   *slog.Logger

	AdminUser         string // default "admin"
	AdminPasswordHash string // bcrypt; empty disables password login
	TokenTTL          time.Duration
}

// Server exposes the gateway over HTTP.
type Server struct {
	gw      *gateway.Gateway
	opts    Options
	logger  *slog.Logger
	limiter *RateLimiter
	started time.Time
}

func NewServer(gw *gateway.Gateway, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 10
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 20
	}
	if opts.InFlight == nil {
		opts.InFlight = idempotency.NewMemory(inFlightTTL)
	}
	if opts.AdminUser == "" {
		opts.AdminUser = "admin"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	return &Server{
		gw:      gw,
		opts:    opts,
		logger:  logger.With("component", "api"),
		limiter: NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		started: time.Now(),
	}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/auth/me", RequireRole(s.handleMe, RoleOperator, RoleAgent))

	mux.HandleFunc("GET /api/pending-approvals", RequireRole(s.handlePending, RoleOperator))
	mux.HandleFunc("POST /api/approve-trade", RequireRole(s.handleApprove, RoleOperator))
	mux.HandleFunc("GET /api/proposals/{id}", RequireRole(s.handleProposal, RoleOperator, RoleAgent))
	mux.HandleFunc("GET /api/portfolio", RequireRole(s.handlePortfolio, RoleOperator, RoleAgent))
	mux.HandleFunc("GET /api/trades/history", RequireRole(s.handleTrades, RoleOperator, RoleAgent))
	mux.HandleFunc("GET /api/quotes", RequireRole(s.handleQuote, RoleOperator, RoleAgent))
	mux.HandleFunc("GET /api/audit/export", RequireRole(s.handleAuditExport))
	mux.HandleFunc("POST /api/trading-halt", RequireRole(s.handleHalt))
	mux.HandleFunc("DELETE /api/orders/{id}", RequireRole(s.handleCancelOrder, RoleOperator, RoleAgent))
	mux.HandleFunc("GET /api/insights", RequireRole(s.handleInsights, RoleOperator, RoleAgent))
	mux.HandleFunc("POST /api/insights", RequireRole(s.handlePublishInsight, RoleAgent))

	mux.HandleFunc("POST /api/agent/swap", RequireRole(s.handleSwap, RoleAgent))
	mux.HandleFunc("POST /api/agent/transfer-native", RequireRole(s.handleTransfer, RoleAgent))
	mux.HandleFunc("POST /api/agent/exchange-order", RequireRole(s.handleOrder, RoleAgent))

	var h http.Handler = mux
	h = IdempotencyMiddleware(s.opts.ResponseCache, s.opts.InFlight)(h)
	h = NewAuthMiddleware(s.opts.Validator)(h)
	h = s.limiter.Middleware(h)
	h = AccessLog(s.logger)(h)
	h = RequestIDMiddleware(h)
	return SecurityHeaders(h)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func actor(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return p.Subject
	}
	return "anonymous"
}

// handleHealth reports 503 when the trade log hash chain no longer verifies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code, intact := "ok", http.StatusOK, true
	if err := s.gw.VerifyTradeLog(); err != nil {
		s.logger.ErrorContext(r.Context(), "trade log verification failed", "error", err)
		status, code, intact = "degraded", http.StatusServiceUnavailable, false
	}
	writeJSON(w, code, map[string]any{
		"status":           status,
		"trade_log_intact": intact,
		"mode":           s.gw.Mode(),
		"venue":          "paper",
		"trading_halted": s.gw.TradingHalted(),
		"version":        s.opts.Version,
		"session_id":     s.gw.Proposals().SessionID(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Pending(r.Context()))
}

type approvalRequest struct {
	RequestID    string `json:"request_id"`
	ConfirmToken string `json:"confirm_token"`
	Approve      bool   `json:"approve"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "request_id is required")
		return
	}
	s.logger.InfoContext(r.Context(), "trade approval request",
		"user", actor(r), "request_id", req.RequestID, "approve", req.Approve)

	if !req.Approve {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": s.gw.Reject(r.Context(), actor(r), req.RequestID)})
		return
	}
	if req.ConfirmToken == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "confirm_token is required")
		return
	}
	res, err := s.gw.Approve(r.Context(), actor(r), req.RequestID, req.ConfirmToken)
	if err != nil {
		WriteGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request) {
	p, status, err := s.gw.Proposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal": p, "status": status})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Portfolio(r.Context()))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	trades, err := s.gw.Trades(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "symbol is required")
		return
	}
	tick, ok := s.gw.Quote(symbol)
	if !ok {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no recent quote for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.gw.Audit().WriteCSV(&buf); err != nil {
		WriteInternal(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "audit export", "user", actor(r), "bytes", buf.Len())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="tradegate-audit.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	msg, err := s.gw.CancelOrder(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		WriteGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": msg})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	limit := defaultInsightLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxInsightLimit)
	}
	insights := s.gw.Insights(r.URL.Query().Get("symbol"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"insights": insights, "count": len(insights)})
}

func (s *Server) handlePublishInsight(w http.ResponseWriter, r *http.Request) {
	var in policy.Insight
	if !decode(w, r, &in) {
		return
	}
	out, err := s.gw.PublishInsight(r.Context(), actor(r), in)
	if err != nil {
		WriteGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Halted bool `json:"halted"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.gw.SetTradingHalted(actor(r), req.Halted)
	writeJSON(w, http.StatusOK, map[string]bool{"trading_halted": s.gw.TradingHalted()})
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, out *gateway.Outcome, err error) {
	if err != nil {
		WriteGatewayError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Status == gateway.OutcomePendingApproval {
		status = http.StatusAccepted
	}
	// The confirm token goes to the operator channel only.
	if out.Proposal != nil {
		p := *out.Proposal
		p.ConfirmToken = ""
		view := *out
		view.Proposal = &p
		out = &view
	}
	writeJSON(w, status, out)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req gateway.SwapRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.gw.SwapTokens(r.Context(), req)
	s.writeOutcome(w, r, out, err)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req gateway.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.gw.TransferNative(r.Context(), req)
	s.writeOutcome(w, r, out, err)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req gateway.OrderRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.gw.PlaceExchangeOrder(r.Context(), req)
	s.writeOutcome(w, r, out, err)
}
