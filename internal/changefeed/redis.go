// ABOUTME: Redis pub/sub relay that shares change events between gateway instances
// ABOUTME: Local changes go out tagged with the instance id; remote changes are republished locally

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/2389/tradepost/internal/store"
)

const (
	// DefaultRedisChannel is used when no channel is configured
	DefaultRedisChannel = "tradepost:changes"

	maxRelayBackoff = 30 * time.Second
)

// RedisRelay bridges a local Hub with every other instance listening on the same channel.
type RedisRelay struct {
	client     *redis.Client
	hub        *Hub
	channel    string
	instanceID string
	logger     *slog.Logger
}

// NewRedisRelay connects to redisURL and verifies the connection.
func NewRedisRelay(ctx context.Context, redisURL, channel string, hub *Hub, logger *slog.Logger) (*RedisRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisRelay{
		client:     client,
		hub:        hub,
		channel:    channel,
		instanceID: uuid.New().String(),
		logger:     logger.With("component", "redis_relay"),
	}, nil
}

// InstanceID identifies this gateway instance on the channel
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Run relays in both directions until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	local := r.hub.Subscribe(ctx, Filter{})
	defer local.Close()

	pubsub, err := r.subscribe(ctx)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	r.logger.Info("redis relay started", "channel", r.channel, "instance_id", r.instanceID)

	remote := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("redis relay stopped")
			return nil

		case change, ok := <-local.C:
			if !ok {
				return nil
			}
			if change.Origin != "" {
				// Came from another instance; do not echo it back
				continue
			}
			if err := r.send(ctx, change); err != nil {
				r.logger.Warn("failed to relay change", "relation", change.Relation, "error", err)
			}

		case msg, ok := <-remote:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			r.receive(msg.Payload)
		}
	}
}

// subscribe retries with exponential backoff until the subscription is confirmed.
func (r *RedisRelay) subscribe(ctx context.Context) (*redis.PubSub, error) {
	backoff := 500 * time.Millisecond
	for {
		pubsub := r.client.Subscribe(ctx, r.channel)
		_, err := pubsub.Receive(ctx)
		if err == nil {
			return pubsub, nil
		}
		_ = pubsub.Close()
		r.logger.Warn("redis subscribe failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRelayBackoff {
			backoff = maxRelayBackoff
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, change store.Change) error {
	change.Origin = r.instanceID
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// receive republishes a remote change into the local hub. Own changes are ignored.
func (r *RedisRelay) receive(payload string) bool {
	var change store.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		r.logger.Warn("discarding malformed relay payload", "error", err)
		return false
	}
	if change.Origin == "" || change.Origin == r.instanceID {
		return false
	}
	r.hub.Publish(change)
	return true
}

// Close releases the redis client
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
