package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"media-converter/internal/logging"
)

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logging.Warn("failed to close redis client after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

// RedisBroadcaster publishes event payloads on the Redis channel named after
// the event topic, so every server instance relays them to its own
// subscribers.
type RedisBroadcaster struct {
	client redis.UniversalClient
}

// NewRedisBroadcaster wraps a connected client.
func NewRedisBroadcaster(client redis.UniversalClient) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

// Name implements Broadcaster.
func (r *RedisBroadcaster) Name() string {
	return "redis"
}

// Broadcast implements Broadcaster.
func (r *RedisBroadcaster) Broadcast(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return r.client.Publish(ctx, ev.Topic(), data).Err()
}

// RedisRelay pattern-subscribes to every conversion topic and feeds the
// received events into a local broadcaster, normally the Hub.
type RedisRelay struct {
	client redis.UniversalClient
	local  Broadcaster
}

// NewRedisRelay creates a relay from Redis into local.
func NewRedisRelay(client redis.UniversalClient, local Broadcaster) *RedisRelay {
	return &RedisRelay{client: client, local: local}
}

// Run relays messages until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, TopicPrefix+"*")
	defer func() {
		if err := pubsub.Close(); err != nil {
			logging.Warn("failed to close redis subscription: %v", err)
		}
	}()

	// Receive blocks until the subscription is confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s*: %w", TopicPrefix, err)
	}
	logging.Info("Relaying %s* from redis", TopicPrefix)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.relay(ctx, msg)
		}
	}
}

func (r *RedisRelay) relay(ctx context.Context, msg *redis.Message) {
	ev, err := decodeMessage(msg.Channel, msg.Payload)
	if err != nil {
		logging.Warn("Ignoring redis message on %s: %v", msg.Channel, err)
		return
	}
	if err := r.local.Broadcast(ctx, ev); err != nil {
		logging.Warn("Failed to relay %s event for job %s: %v", ev.Status, ev.JobID, err)
		observe().ObserveBroadcastFailure(r.local.Name())
	}
}

// decodeMessage turns a Redis message into an event, rejecting payloads
// whose job id does not match the channel they arrived on.
func decodeMessage(channel, payload string) (Event, error) {
	var p Payload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Event{}, fmt.Errorf("invalid payload: %w", err)
	}
	if !p.Status.Valid() {
		return Event{}, fmt.Errorf("unknown status %q", p.Status)
	}
	ev := p.Event()
	if ev.Topic() != channel {
		return Event{}, fmt.Errorf("payload for %s arrived on %s", ev.Topic(), channel)
	}
	return ev, nil
}
