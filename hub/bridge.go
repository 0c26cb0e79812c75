package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-relay/telemetry"
)

// RedisBridge publishes events to a Redis channel so every instance's local Registry
// delivers them. When publishing fails the event is delivered locally instead.
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   *Registry
	backoff Backoff
	log     *slog.Logger
}

// Backoff computes the delay before resubscribing.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Next returns the delay for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := base << (attempt - 1)
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

func NewRedisBridge(client *redis.Client, channel string, local *Registry) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: channel,
		local:   local,
		backoff: Backoff{Base: 200 * time.Millisecond, Max: 10 * time.Second},
		log:     slog.Default().With(slog.String("component", "hub_bridge")),
	}
}

// Broadcast publishes the encoded event. Local delivery happens when Run receives it back,
// so the returned Delivery is empty unless the publish fell back to the local registry.
func (b *RedisBridge) Broadcast(ctx context.Context, event any) (Delivery, error) {
	payload, err := b.local.encode(event)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("redis publish failed, delivering locally", slog.Any("err", err))
		if telemetry.BridgePublishFailures != nil {
			telemetry.BridgePublishFailures.Inc()
		}
		return b.local.BroadcastRaw(ctx, payload), nil
	}
	return Delivery{}, nil
}

// Run subscribes to the channel and re-broadcasts every payload through the local registry
// until ctx is cancelled. Subscription failures are retried with exponential backoff.
func (b *RedisBridge) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := b.subscribe(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := b.backoff.Next(attempt)
		b.log.Warn("redis subscription lost", slog.Any("err", err), slog.Int("attempt", attempt), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (b *RedisBridge) subscribe(ctx context.Context, ready func()) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ready()
	b.log.Info("redis bridge subscribed", slog.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			b.local.BroadcastRaw(ctx, []byte(msg.Payload))
		}
	}
}

var _ Broadcaster = (*RedisBridge)(nil)
