package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

const genesisHash = "genesis"

// tradeLog is an append-only, hash-chained record of settled trades. Each
// entry's Hash covers its content and the previous entry's hash.
type tradeLog struct {
	entries  []Trade
	headHash string
}

func newTradeLog() *tradeLog {
	return &tradeLog{headHash: genesisHash}
}

type tradeHashInput struct {
	Seq       uint64 `json:"seq"`
	TradeID   string `json:"trade_id"`
	Account   string `json:"account"`
	Side      Side   `json:"side"`
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Source    string `json:"source"`
	Timestamp int64  `json:"ts"`
	PrevHash  string `json:"prev"`
}

func hashTrade(t *Trade) (string, error) {
	raw, err := json.Marshal(tradeHashInput{
		Seq:       t.Sequence,
		TradeID:   t.TradeID,
		Account:   t.Account,
		Side:      t.Side,
		Symbol:    t.Symbol,
		Amount:    fmt.Sprintf("%g", t.Amount),
		Price:     fmt.Sprintf("%g", t.Price),
		Source:    t.Source,
		Timestamp: t.ExecutedAt.UnixNano(),
		PrevHash:  t.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal trade: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize trade: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// append links t to the chain and stores it. Sequence, PrevHash and Hash are set here.
func (l *tradeLog) append(t Trade) (Trade, error) {
	t.Sequence = uint64(len(l.entries)) + 1
	t.PrevHash = l.headHash
	h, err := hashTrade(&t)
	if err != nil {
		return Trade{}, err
	}
	t.Hash = h
	l.entries = append(l.entries, t)
	l.headHash = h
	return t, nil
}

// latest returns up to limit trades for account, newest first. limit <= 0 means all.
func (l *tradeLog) latest(account string, limit int) []Trade {
	var out []Trade
	for i := len(l.entries) - 1; i >= 0; i-- {
		if account != "" && l.entries[i].Account != account {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (l *tradeLog) verify() error {
	prev := genesisHash
	for i := range l.entries {
		e := l.entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at trade %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		h, err := hashTrade(&e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("trade %d content hash mismatch", e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}
