// Package audit keeps a tamper-evident, hash-chained record of operator and
// gateway decisions: proposals created, approved, rejected, executed, and
// trades refused by policy or risk.
package audit

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Actions recorded by the gateway.
const (
	ActionProposalCreated  = "proposal.created"
	ActionProposalApproved = "proposal.approved"
	ActionProposalRejected = "proposal.rejected"
	ActionExecuted         = "execution.completed"
	ActionExecutionFailed  = "execution.failed"
	ActionPolicyDenied     = "policy.denied"
	ActionRiskDenied       = "risk.denied"
	ActionTradingHalted    = "trading.halted"
	ActionOrderCancelled   = "order.cancelled"
	ActionInsightPublished = "insight.published"
)

// Entry is one link of the chain.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	Details      string    `json:"details,omitempty"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
}

// Log is an append-only audit chain, safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	clock   func() time.Time
	logger  *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{clock: time.Now, logger: logger.With("component", "audit")}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append links a new entry. details is canonicalized (RFC 8785) before it
// is stored, so equal maps always hash the same.
func (l *Log) Append(actor, action, target string, details map[string]any) (Entry, error) {
	var detailStr string
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal audit details: %w", err)
		}
		canonical, err := jcs.Transform(raw)
		if err != nil {
			return Entry{}, fmt.Errorf("canonicalize audit details: %w", err)
		}
		detailStr = string(canonical)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	e := Entry{
		ID:           uuid.New().String(),
		Timestamp:    l.clock().UTC(),
		Actor:        actor,
		Action:       action,
		Target:       target,
		Details:      detailStr,
		PreviousHash: prev,
	}
	h, err := entryHash(&e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = h
	l.entries = append(l.entries, e)

	l.logger.Info("AUDIT", "action", action, "actor", actor, "target", target, "hash", h)
	return e, nil
}

// Entries returns a copy of the chain in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// VerifyChain checks every link and every content hash.
func (l *Log) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Verify(l.entries)
}

// Verify checks an exported chain.
func Verify(entries []Entry) error {
	for i := range entries {
		e := entries[i]
		want := ""
		if i > 0 {
			want = entries[i-1].Hash
		}
		if e.PreviousHash != want {
			return fmt.Errorf("chain broken at index %d: previous hash mismatch", i)
		}
		h, err := entryHash(&e)
		if err != nil {
			return fmt.Errorf("failed to recompute hash at index %d: %w", i, err)
		}
		if h != e.Hash {
			return fmt.Errorf("integrity failure at index %d: computed %s, stored %s", i, h, e.Hash)
		}
	}
	return nil
}

func entryHash(e *Entry) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.Format(time.RFC3339Nano),
		"actor":         e.Actor,
		"action":        e.Action,
		"target":        e.Target,
		"details":       e.Details,
		"previous_hash": e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

var csvHeader = []string{"id", "timestamp", "actor", "action", "target", "details", "previous_hash", "hash"}

// WriteCSV exports the chain, header first.
func (l *Log) WriteCSV(w io.Writer) error {
	entries := l.Entries()
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{
			e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Actor, e.Action, e.Target, e.Details, e.PreviousHash, e.Hash,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses an export produced by WriteCSV.
func ReadCSV(r io.Reader) ([]Entry, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read audit csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	var out []Entry
	for i, rec := range records[1:] {
		if len(rec) != len(csvHeader) {
			return nil, fmt.Errorf("audit csv row %d: want %d columns, got %d", i+1, len(csvHeader), len(rec))
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[1])
		if err != nil {
			return nil, fmt.Errorf("audit csv row %d: %w", i+1, err)
		}
		out = append(out, Entry{
			ID: rec[0], Timestamp: ts, Actor: rec[2], Action: rec[3], Target: rec[4],
			Details: rec[5], PreviousHash: rec[6], Hash: rec[7],
		})
	}
	return out, nil
}
