package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Handler receives each decoded tick.
type Handler func(ctx context.Context, t Tick) error

// NewKafkaReader builds a consumer-group reader for the ticks topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1e3,
		MaxBytes: 1e6,
		MaxWait:  500 * time.Millisecond,
	})
}

// Consumer decodes JSON ticks from a reader and hands them to a Handler.
type Consumer struct {
	reader  MessageReader
	handler Handler
	logger  *slog.Logger
}

func NewConsumer(reader MessageReader, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, handler: handler, logger: logger.With("component", "marketdata")}
}

// Run reads until ctx is cancelled or the reader fails. Malformed messages
// and handler errors are logged and skipped. Cancellation returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var t Tick
		if err := json.Unmarshal(m.Value, &t); err != nil {
			c.logger.WarnContext(ctx, "bad tick message", "offset", m.Offset, "error", err)
			continue
		}
		if err := t.Validate(); err != nil {
			c.logger.WarnContext(ctx, "invalid tick", "offset", m.Offset, "error", err)
			continue
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = m.Time
			if t.Timestamp.IsZero() {
				t.Timestamp = time.Now().UTC()
			}
		}
		if err := c.handler(ctx, t); err != nil {
			c.logger.ErrorContext(ctx, "apply tick", "symbol", t.Symbol, "error", err)
			continue
		}
		c.logger.DebugContext(ctx, "tick applied", "symbol", t.Symbol, "price", t.Price)
	}
}
