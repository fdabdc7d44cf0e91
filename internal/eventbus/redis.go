package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisMirror fans a Bus's events out across daemon instances via Redis
// Pub/Sub, for a fleet where more than one rcompd process shares a worker
// pool's event stream (e.g. an active/standby pair). Publish failures fall
// back to local-only delivery rather than blocking the publisher.
//
// Grounded on the internal/fabric/redis_event_bus.go: a thin
// publish/subscribe wrapper around an existing in-process bus, narrowed here
// since the local Bus already owns per-subscriber fan-out — RedisMirror only
// bridges Publish/Emit across the wire.
type RedisMirror struct {
	client  *redis.Client
	bus     *Bus
	channel string
}

// DefaultChannel is the Redis Pub/Sub channel rcompd instances share.
const DefaultChannel = "rcomp:events"

// NewRedisMirror wires client to bus over channel (DefaultChannel if empty).
func NewRedisMirror(client *redis.Client, bus *Bus, channel string) *RedisMirror {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisMirror{client: client, bus: bus, channel: channel}
}

// PublishRemote mirrors event onto the shared Redis channel. Call this from
// a Bus.Emit call site (or wrap Publish) when the event should be visible to
// peer daemon instances, not just local subscribers.
func (m *RedisMirror) PublishRemote(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshaling event for redis: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, raw).Err(); err != nil {
		slog.Warn("eventbus: redis publish failed, event stays local-only", "event", event.Name, "error", err)
		return err
	}
	return nil
}

// Run subscribes to the shared channel and re-emits every received event
// into the local Bus, until ctx is cancelled. It does not re-publish what it
// receives, so a single shared channel never loops an event back out.
func (m *RedisMirror) Run(ctx context.Context) error {
	sub := m.client.Subscribe(ctx, m.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("eventbus: failed to unmarshal redis event", "error", err)
				continue
			}
			m.bus.Emit(event)
		}
	}
}
