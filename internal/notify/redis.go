package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events with PUBLISH on ledger:events:{user_id}
// so other service instances' WebSocket hubs can relay them.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a Redis pub/sub publisher.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.rdb.Publish(ctx, Channel(evt.UserID), data).Err()
}

// Channel is the pub/sub channel for a user's events.
func Channel(userID string) string {
	return "ledger:events:" + userID
}
