// Package proposal implements the two-phase approval workflow for
// capital-moving actions: create, confirm with a single-use token, then
// mark executed exactly once. Cancellation is only possible while pending
// and expiry is evaluated lazily on every read.
//
// Proposals may be persisted for operator visibility, but every row is
// tagged with a per-process session id and rows from another session are
// treated as non-existent, so consent never survives a restart.
package proposal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL applies when Create is called with a non-positive ttl.
const DefaultTTL = 120 * time.Second

// Status is derived from a proposal's timestamps, never stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusExecuted  Status = "executed"
)

var (
	ErrNotFound         = errors.New("unknown request_id")
	ErrExpired          = errors.New("proposal expired")
	ErrCancelled        = errors.New("proposal cancelled")
	ErrAlreadyExecuted  = errors.New("proposal already executed")
	ErrAlreadyConfirmed = errors.New("proposal already confirmed")
	ErrInvalidToken     = errors.New("invalid confirm_token")
)

// TransitionError reports a refused state transition together with the
// status the proposal was in.
type TransitionError struct {
	RequestID string
	Status    Status
	Err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("proposal %s (status=%s): %v", e.RequestID, e.Status, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Proposal is a capital-moving intent awaiting approval.
type Proposal struct {
	RequestID    string          `json:"request_id"`
	ConfirmToken string          `json:"confirm_token"`
	Kind         Kind            `json:"kind"`
	Payload      Payload         `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	Result       json.RawMessage `json:"execution_result,omitempty"`
	PayloadHash  string          `json:"payload_hash"`
}

// StatusAt derives the status at now. Precedence:
// executed > cancelled > expired > confirmed > pending.
func (p *Proposal) StatusAt(now time.Time) Status {
	switch {
	case p.ExecutedAt != nil:
		return StatusExecuted
	case p.CancelledAt != nil:
		return StatusCancelled
	case !now.Before(p.ExpiresAt):
		return StatusExpired
	case p.ConfirmedAt != nil:
		return StatusConfirmed
	}
	return StatusPending
}

// IdempotencyKey is the payload's key when set, otherwise the request id.
func (p *Proposal) IdempotencyKey() string {
	if k := p.Payload.Key(); k != "" {
		return k
	}
	return p.RequestID
}

func (p *Proposal) clone() *Proposal {
	c := *p
	c.ConfirmedAt = cloneTime(p.ConfirmedAt)
	c.CancelledAt = cloneTime(p.CancelledAt)
	c.ExecutedAt = cloneTime(p.ExecutedAt)
	if p.Result != nil {
		c.Result = append(json.RawMessage(nil), p.Result...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Summary is the operator list view of a pending proposal. It carries the
// confirm token, so it is only served to callers allowed to approve.
type Summary struct {
	RequestID    string    `json:"request_id"`
	Kind         Kind      `json:"kind"`
	ConfirmToken string    `json:"confirm_token"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Record is the durable form of a proposal.
type Record struct {
	RequestID    string
	ConfirmToken string
	Kind         Kind
	PayloadJSON  []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
	ExecutedAt   *time.Time
	ResultJSON   []byte
	PayloadHash  string
	SessionID    string
}

func toRecord(p *Proposal, sessionID string) (Record, error) {
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Record{
		RequestID:    p.RequestID,
		ConfirmToken: p.ConfirmToken,
		Kind:         p.Kind,
		PayloadJSON:  raw,
		CreatedAt:    p.CreatedAt,
		ExpiresAt:    p.ExpiresAt,
		ConfirmedAt:  p.ConfirmedAt,
		CancelledAt:  p.CancelledAt,
		ExecutedAt:   p.ExecutedAt,
		ResultJSON:   p.Result,
		PayloadHash:  p.PayloadHash,
		SessionID:    sessionID,
	}, nil
}

func fromRecord(r *Record) (*Proposal, error) {
	payload, err := DecodePayload(r.Kind, r.PayloadJSON)
	if err != nil {
		return nil, err
	}
	p := &Proposal{
		RequestID:    r.RequestID,
		ConfirmToken: r.ConfirmToken,
		Kind:         r.Kind,
		Payload:      payload,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		ConfirmedAt:  r.ConfirmedAt,
		CancelledAt:  r.CancelledAt,
		ExecutedAt:   r.ExecutedAt,
		PayloadHash:  r.PayloadHash,
	}
	if len(r.ResultJSON) > 0 {
		p.Result = json.RawMessage(r.ResultJSON)
	}
	return p, nil
}
