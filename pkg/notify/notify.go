// Package notify delivers proposal events to operator-facing sinks. Every
// sink satisfies proposal.Notifier; delivery is best effort and callers
// only log failures.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, proposal.Event) error { return nil }

// Summary renders a one-line, human-readable description of ev.
func Summary(ev proposal.Event) string {
	return fmt.Sprintf("Approval required: %s %g %s (request %s, expires %s)",
		ev.Kind, ev.Amount, ev.Symbol, ev.RequestID, ev.ExpiresAt.UTC().Format(time.RFC3339))
}

type webhookBody struct {
	proposal.Event
	Text string `json:"text"`
}

// Webhook POSTs each event as JSON to a fixed URL. The "text" field makes
// the body readable by chat-style incoming webhooks.
type Webhook struct {
	client *resty.Client
	url    string
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	return &Webhook{client: client, url: url}
}

func (w *Webhook) Notify(ctx context.Context, ev proposal.Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookBody{Event: ev, Text: Summary(ev)}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %s", resp.Status())
	}
	return nil
}

// RedisPublisher publishes each event as JSON on a Redis channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (r *RedisPublisher) Notify(ctx context.Context, ev proposal.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []proposal.Notifier

func (m Multi) Notify(ctx context.Context, ev proposal.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
