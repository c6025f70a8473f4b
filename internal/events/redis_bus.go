package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"lyricqueue/internal/config"
	"lyricqueue/internal/models"
	"lyricqueue/internal/telemetry"
)

// RedisBus publishes events on a Redis pub/sub channel and keeps a short
// replay list so late subscribers can catch up.
type RedisBus struct {
	client     *redis.Client
	channel    string
	recentKey  string
	recentSize int64
	timeout    time.Duration
	log        *slog.Logger
}

// NewRedisBus builds a bus client from config.
func NewRedisBus(cfg config.Config, log *slog.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisBusWithClient(client, cfg.EventsChannel, int64(cfg.EventQueueSize), log)
}

// NewRedisBusWithClient wraps an existing client.
func NewRedisBusWithClient(client *redis.Client, channel string, recentSize int64, log *slog.Logger) *RedisBus {
	if channel == "" {
		channel = "lyricqueue:events"
	}
	if recentSize <= 0 {
		recentSize = 200
	}
	return &RedisBus{
		client:     client,
		channel:    channel,
		recentKey:  channel + ":recent",
		recentSize: recentSize,
		timeout:    500 * time.Millisecond,
		log:        log,
	}
}

// Client exposes the underlying connection for components sharing it.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

// Publish sends env to subscribers and appends it to the replay list.
// A slow or unavailable Redis costs at most the bus timeout.
func (b *RedisBus) Publish(ctx context.Context, env models.Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Publish(ctx, b.channel, msg)
	pipe.LPush(ctx, b.recentKey, msg)
	pipe.LTrim(ctx, b.recentKey, 0, b.recentSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		telemetry.EventsDropped.WithLabelValues("publish_error").Inc()
		return fmt.Errorf("publish event: %w", err)
	}
	telemetry.EventsPublished.Inc()
	return nil
}

// Recent returns up to n replayable events, oldest first.
func (b *RedisBus) Recent(ctx context.Context, n int64) ([][]byte, error) {
	if n <= 0 || n > b.recentSize {
		n = b.recentSize
	}
	items, err := b.client.LRange(ctx, b.recentKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	out := make([][]byte, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, []byte(items[i]))
	}
	return out, nil
}

// Forward relays channel messages into hub until ctx is cancelled.
func (b *RedisBus) Forward(ctx context.Context, hub *Hub) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before relaying.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			hub.Broadcast([]byte(msg.Payload))
		}
	}
}

// Close releases the Redis connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Emit publishes env and logs failures instead of returning them. Event
// delivery never fails the caller's operation.
func Emit(ctx context.Context, pub Publisher, log *slog.Logger, env models.Envelope) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, env); err != nil && log != nil {
		log.Debug("event publish failed", "event", env.Event, "err", err)
	}
}
