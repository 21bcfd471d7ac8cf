package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// publisher is the subset of *redis.Client the sink needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis pub/sub channel, where the
// notification layer picks them up.
type RedisSink struct {
	client  publisher
	channel string
	timeout time.Duration
}

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "export:events"

// NewRedisSink connects to addr and verifies the connection with PING.
func NewRedisSink(ctx context.Context, addr, channel string) (*RedisSink, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	log.Info("connected to redis", "addr", addr, "channel", channel)
	return newRedisSink(rdb, channel), rdb, nil
}

func newRedisSink(client publisher, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
	}
}

// Handle implements Sink.
func (s *RedisSink) Handle(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
