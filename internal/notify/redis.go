package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes events on Pub/Sub. Every event goes to the
// subscription's channel; failures are also published on the failed channel
// for alerting.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

type streamEvent struct {
	Version   string `json:"version"`
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Timestamp string `json:"timestamp"`
	Data      Event  `json:"data"`
}

func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "episodes"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// DialRedis parses url and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (n *RedisNotifier) SubscriptionChannel(subscriptionID string) string {
	return fmt.Sprintf("%s:v1:%s", n.prefix, subscriptionID)
}

func (n *RedisNotifier) FailedChannel() string {
	return n.prefix + ":v1:failed"
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(streamEvent{
		Version:   "1.0",
		Type:      string(ev.Type),
		JobID:     ev.JobID,
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339),
		Data:      ev,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.client.Publish(ctx, n.SubscriptionChannel(ev.SubscriptionID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	if ev.Type == EpisodeFailed {
		if err := n.client.Publish(ctx, n.FailedChannel(), payload).Err(); err != nil {
			return fmt.Errorf("publish %s alert: %w", ev.Type, err)
		}
	}
	return nil
}
