// Package api serves the operator HTTP API: pending approvals, approve and
// reject, portfolio and trade history, audit export, and the agent action
// endpoints that feed the gateway. Errors use RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/tradegate/pkg/gateway"
	"github.com/Mindburn-Labs/tradegate/pkg/idempotency"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

// ProblemDetail implements RFC 7807. Code is an extension member carrying
// the machine-readable reason (policy code, risk rule, transition error).
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Code     string         `json:"code,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://tradegate.dev/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Type: problemType(status), Title: title, Status: status, Detail: detail})
}

// WriteErrorR is WriteError enriched with the request path and X-Request-ID.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a generic 500. err never reaches the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteGatewayError maps gateway, policy, risk and proposal errors onto
// problem responses.
func WriteGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	p := &ProblemDetail{Instance: r.URL.Path, TraceID: w.Header().Get("X-Request-ID"), Detail: err.Error()}

	var (
		violation  *policy.Violation
		riskDenied *gateway.RiskDeniedError
		transition *proposal.TransitionError
	)
	switch {
	case errors.As(err, &violation):
		p.Status, p.Title, p.Code, p.Data = http.StatusForbidden, "Policy Violation", string(violation.Code), violation.Data
		p.Detail = violation.Message
	case errors.As(err, &riskDenied):
		p.Status, p.Title, p.Code = http.StatusUnprocessableEntity, "Risk Check Failed", string(riskDenied.Decision.Rule)
		p.Detail = riskDenied.Decision.Reason
	case errors.Is(err, proposal.ErrNotFound):
		p.Status, p.Title, p.Code = http.StatusNotFound, "Not Found", "unknown_request_id"
	case errors.Is(err, ledger.ErrOrderNotFound):
		p.Status, p.Title, p.Code = http.StatusNotFound, "Not Found", "unknown_order_id"
	case errors.Is(err, proposal.ErrAlreadyExecuted), errors.Is(err, proposal.ErrAlreadyConfirmed):
		p.Status, p.Title = http.StatusConflict, "Conflict"
		if errors.As(err, &transition) {
			p.Code = string(transition.Status)
		}
	case errors.As(err, &transition):
		p.Status, p.Title, p.Code = http.StatusBadRequest, "Bad Request", string(transition.Status)
	case errors.Is(err, gateway.ErrTradingHalted):
		p.Status, p.Title, p.Code = http.StatusConflict, "Trading Halted", "trading_halted"
	case errors.Is(err, gateway.ErrDuplicateExecution):
		p.Status, p.Title, p.Code = http.StatusConflict, "Duplicate Execution", "duplicate_execution"
	case errors.Is(err, gateway.ErrPriceUnavailable), errors.Is(err, gateway.ErrUnsupportedPair),
		errors.Is(err, ledger.ErrInvalidSymbol), errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, idempotency.ErrEmptyKey), errors.Is(err, gateway.ErrInvalidInsight):
		p.Status, p.Title = http.StatusBadRequest, "Bad Request"
	default:
		slog.Error("gateway request failed", "path", r.URL.Path, "error", err)
		p.Status, p.Title = http.StatusBadGateway, "Execution Failed"
		p.Detail = "The execution venue did not complete the request."
	}
	p.Type = problemType(p.Status)
	writeProblem(w, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
