package proposal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Kind enumerates the capital-moving actions a proposal can carry.
type Kind string

const (
	KindSwap           Kind = "swap"
	KindNativeTransfer Kind = "native_transfer"
	KindExchangeOrder  Kind = "exchange_order"
)

// Payload is the immutable, kind-specific body of a proposal. The set of
// implementations is closed: SwapPayload, NativeTransferPayload and
// ExchangeOrderPayload.
type Payload interface {
	Kind() Kind
	// Key is the caller-supplied idempotency key, if any.
	Key() string
	// Headline returns the symbol and amount used in notifications.
	Headline() (symbol string, amount float64)
	sealed()
}

type SwapPayload struct {
	Chain          string  `json:"chain"`
	FromToken      string  `json:"from_token"`
	ToToken        string  `json:"to_token"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price,omitempty"`
	Rationale      string  `json:"rationale,omitempty"`
	SentimentScore float64 `json:"sentiment_score,omitempty"`
	InsightID      string  `json:"insight_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

func (SwapPayload) Kind() Kind { return KindSwap }
func (p SwapPayload) Key() string { return p.IdempotencyKey }
func (p SwapPayload) Headline() (string, float64) { return p.FromToken, p.Amount }
func (SwapPayload) sealed() {}

type NativeTransferPayload struct {
	Chain          string  `json:"chain"`
	To             string  `json:"to_address"`
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

func (NativeTransferPayload) Kind() Kind { return KindNativeTransfer }
func (p NativeTransferPayload) Key() string { return p.IdempotencyKey }
func (p NativeTransferPayload) Headline() (string, float64) { return p.Chain, p.Amount }
func (NativeTransferPayload) sealed() {}

type ExchangeOrderPayload struct {
	ExchangeID     string  `json:"exchange_id"`
	Symbol         string  `json:"symbol"`
	MarketType     string  `json:"market_type"`
	Side           string  `json:"side"`
	OrderType      string  `json:"order_type"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price,omitempty"`
	Rationale      string  `json:"rationale,omitempty"`
	SentimentScore float64 `json:"sentiment_score,omitempty"`
	InsightID      string  `json:"insight_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

func (ExchangeOrderPayload) Kind() Kind { return KindExchangeOrder }
func (p ExchangeOrderPayload) Key() string { return p.IdempotencyKey }
func (p ExchangeOrderPayload) Headline() (string, float64) { return p.Symbol, p.Amount }
func (ExchangeOrderPayload) sealed() {}

// DecodePayload rebuilds a typed payload from its kind and JSON body.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindSwap:
		var p SwapPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode swap payload: %w", err)
		}
		return p, nil
	case KindNativeTransfer:
		var p NativeTransferPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode native transfer payload: %w", err)
		}
		return p, nil
	case KindExchangeOrder:
		var p ExchangeOrderPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode exchange order payload: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown proposal kind %q", kind)
}

// PayloadHash fingerprints a payload: the first 16 hex characters of the
// SHA-256 of its RFC 8785 canonical JSON.
func PayloadHash(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}
