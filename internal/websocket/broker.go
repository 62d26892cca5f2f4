package websocket

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// DefaultRelayChannel is the Redis channel gateway instances share.
const DefaultRelayChannel = "errands:gateway"

// Broker carries relay frames between gateway instances.
type Broker interface {
	Publish(ctx context.Context, frame []byte) error
	// Subscribe calls handle for each frame until ctx is done.
	Subscribe(ctx context.Context, handle func(frame []byte)) error
}

// RedisBroker relays frames over Redis pub/sub. Every instance, including
// the publisher, receives each frame and delivers it to its own sockets.
type RedisBroker struct {
	client  *redis.Client
	channel string
}

func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisBroker{client: client, channel: channel}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if password != "" {
		opts.Password = password
	}
	opts.DB = db

	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rc, nil
}

func (b *RedisBroker) Publish(ctx context.Context, frame []byte) error {
	return b.client.Publish(ctx, b.channel, frame).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, handle func(frame []byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	log.Info("Subscribed to relay channel %s", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay channel %s closed", b.channel)
			}
			handle([]byte(msg.Payload))
		}
	}
}
