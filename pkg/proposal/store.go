package proposal

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Persister stores proposal records durably. Load returns (nil, nil) when
// the id is unknown.
type Persister interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, requestID string) (*Record, error)
	ListPending(ctx context.Context, sessionID string, now time.Time) ([]Summary, error)
}

// NopPersister keeps nothing.
type NopPersister struct{}

func (NopPersister) Save(context.Context, Record) error            { return nil }
func (NopPersister) Load(context.Context, string) (*Record, error) { return nil, nil }
func (NopPersister) ListPending(context.Context, string, time.Time) ([]Summary, error) {
	return nil, nil
}

// Event is emitted when a proposal needs a human decision. It carries the
// confirm token, so sinks must deliver it to operators only.
type Event struct {
	Type         string    `json:"event"`
	RequestID    string    `json:"request_id"`
	ConfirmToken string    `json:"confirm_token"`
	Kind         Kind      `json:"kind"`
	Symbol       string    `json:"symbol"`
	Amount       float64   `json:"amount"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// EventApprovalRequired is the only event type emitted today.
const EventApprovalRequired = "approval_required"

// Notifier delivers events to an operator-facing sink.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Store is the in-memory proposal state machine with optional durable
// mirroring. One mutex guards it; persistence writes happen under it.
type Store struct {
	mu        sync.Mutex
	items     map[string]*Proposal
	sessionID string

	persister Persister
	notifier  Notifier
	clock     func() time.Time
	logger    *slog.Logger
	notifyTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSessionID fixes the session id. Used to simulate a restart against
// the same persister.
func WithSessionID(id string) Option {
	return func(s *Store) { s.sessionID = id }
}

// NewStore creates a store with a fresh random session id.
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{
		items:     make(map[string]*Proposal),
		persister: NopPersister{},
		clock:     time.Now,
		logger:    slog.Default().With("component", "proposal"),
		notifyTTL: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessionID == "" {
		id, err := randomHex(8)
		if err != nil {
			return nil, err
		}
		s.sessionID = id
	}
	return s, nil
}

// SessionID returns the per-process session id stamped on persisted rows.
func (s *Store) SessionID() string { return s.sessionID }

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create registers a pending proposal. A non-positive ttl means DefaultTTL.
func (s *Store) Create(ctx context.Context, payload Payload, ttl time.Duration) (*Proposal, error) {
	if payload == nil {
		return nil, errors.New("proposal payload is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	requestID, err := randomHex(12)
	if err != nil {
		return nil, err
	}
	token, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	hash, err := PayloadHash(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := s.clock()
	p := &Proposal{
		RequestID:    requestID,
		ConfirmToken: token,
		Kind:         payload.Kind(),
		Payload:      payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		PayloadHash:  hash,
	}
	s.items[requestID] = p
	s.persist(ctx, p)
	out := p.clone()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "execution proposal created",
		"request_id", requestID, "kind", p.Kind, "payload_hash", hash, "expires_at", p.ExpiresAt)
	s.notify(out)
	return out, nil
}

// notify runs the notifier on its own goroutine; failures are only logged.
func (s *Store) notify(p *Proposal) {
	if s.notifier == nil {
		return
	}
	symbol, amount := p.Payload.Headline()
	ev := Event{
		Type:         EventApprovalRequired,
		RequestID:    p.RequestID,
		ConfirmToken: p.ConfirmToken,
		Kind:         p.Kind,
		Symbol:       symbol,
		Amount:       amount,
		ExpiresAt:    p.ExpiresAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTTL)
		defer cancel()
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.Warn("proposal notification failed", "request_id", ev.RequestID, "error", err)
		}
	}()
}

// persist mirrors p best-effort. Caller holds s.mu.
func (s *Store) persist(ctx context.Context, p *Proposal) {
	rec, err := toRecord(p, s.sessionID)
	if err == nil {
		err = s.persister.Save(ctx, rec)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "proposal persistence failed, continuing in memory",
			"request_id", p.RequestID, "error", err)
	}
}

// lookup finds a proposal in memory or, failing that, in durable storage
// for the current session only. Caller holds s.mu.
func (s *Store) lookup(ctx context.Context, requestID string) *Proposal {
	if p, ok := s.items[requestID]; ok {
		return p
	}
	rec, err := s.persister.Load(ctx, requestID)
	if err != nil {
		s.logger.WarnContext(ctx, "proposal load failed", "request_id", requestID, "error", err)
		return nil
	}
	if rec == nil || rec.SessionID != s.sessionID {
		return nil
	}
	p, err := fromRecord(rec)
	if err != nil {
		s.logger.WarnContext(ctx, "persisted proposal unreadable", "request_id", requestID, "error", err)
		return nil
	}
	s.items[requestID] = p
	return p
}

// Get returns a copy of the proposal, or ErrNotFound.
func (s *Store) Get(ctx context.Context, requestID string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.lookup(ctx, requestID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return p.clone(), nil
}

// Status returns the derived status of a proposal at the store's clock.
func (s *Store) Status(ctx context.Context, requestID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.lookup(ctx, requestID)
	if p == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return p.StatusAt(s.clock()), nil
}

// ListPending returns unconfirmed, uncancelled, unexpired proposals from
// memory merged with current-session durable rows, oldest first.
func (s *Store) ListPending(ctx context.Context) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var out []Summary
	for _, p := range s.items {
		if p.CancelledAt != nil || p.ConfirmedAt != nil || !now.Before(p.ExpiresAt) {
			continue
		}
		out = append(out, Summary{RequestID: p.RequestID, Kind: p.Kind, ConfirmToken: p.ConfirmToken, CreatedAt: p.CreatedAt, ExpiresAt: p.ExpiresAt})
	}

	durable, err := s.persister.ListPending(ctx, s.sessionID, now)
	if err != nil {
		s.logger.WarnContext(ctx, "listing persisted proposals failed", "error", err)
	}
	for _, d := range durable {
		// memory is authoritative for anything already loaded
		if _, ok := s.items[d.RequestID]; ok {
			continue
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Confirm records consent. Checks run in order: unknown, expired,
// cancelled, executed, confirmed, token. A failed check never mutates state.
func (s *Store) Confirm(ctx context.Context, requestID, token string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.lookup(ctx, requestID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	now := s.clock()
	status := p.StatusAt(now)
	refuse := func(err error) (*Proposal, error) {
		return nil, &TransitionError{RequestID: requestID, Status: status, Err: err}
	}
	switch {
	case !now.Before(p.ExpiresAt):
		return refuse(ErrExpired)
	case p.CancelledAt != nil:
		return refuse(ErrCancelled)
	case p.ExecutedAt != nil:
		return refuse(ErrAlreadyExecuted)
	case p.ConfirmedAt != nil:
		return refuse(ErrAlreadyConfirmed)
	}
	if subtle.ConstantTimeCompare([]byte(p.ConfirmToken), []byte(token)) != 1 {
		return refuse(ErrInvalidToken)
	}

	p.ConfirmedAt = &now
	s.persist(ctx, p)
	s.logger.InfoContext(ctx, "execution proposal confirmed", "request_id", requestID, "kind", p.Kind)
	return p.clone(), nil
}

// MarkExecuted sets executed_at and stores result. It succeeds only for a
// confirmed, not yet executed proposal; concurrent callers for the same id
// see exactly one true.
func (s *Store) MarkExecuted(ctx context.Context, requestID string, result any) bool {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			s.logger.WarnContext(ctx, "execution result not serializable", "request_id", requestID, "error", err)
		} else {
			raw = b
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.lookup(ctx, requestID)
	if p == nil || p.ExecutedAt != nil || p.ConfirmedAt == nil {
		return false
	}
	now := s.clock()
	p.ExecutedAt = &now
	p.Result = raw
	s.persist(ctx, p)
	s.logger.InfoContext(ctx, "execution proposal executed", "request_id", requestID, "kind", p.Kind)
	return true
}

// IsExecuted reports whether the proposal has been executed.
func (s *Store) IsExecuted(ctx context.Context, requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.lookup(ctx, requestID)
	return p != nil && p.ExecutedAt != nil
}

// Cancel withdraws a pending proposal. Confirmed, executed or already
// cancelled proposals are refused.
func (s *Store) Cancel(ctx context.Context, requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.lookup(ctx, requestID)
	if p == nil || p.ConfirmedAt != nil || p.CancelledAt != nil || p.ExecutedAt != nil {
		return false
	}
	now := s.clock()
	p.CancelledAt = &now
	s.persist(ctx, p)
	s.logger.InfoContext(ctx, "execution proposal cancelled", "request_id", requestID)
	return true
}
