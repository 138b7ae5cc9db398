package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultRedisChannel = "quickgrab:results"
	redisPublishTimeout = 5 * time.Second
)

// RedisNotifier 把事件 JSON 发布到 Redis 频道。
type RedisNotifier struct {
	client  *goredis.Client
	channel string
	retries int
}

// NewRedisNotifier url 形如 redis://[:password@]host:port[/db]
func NewRedisNotifier(url, channel string, retries int) (*RedisNotifier, error) {
	if url == "" {
		return nil, errors.New("redis notifier requires a URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if retries < 0 {
		retries = 0
	}
	return &RedisNotifier{client: goredis.NewClient(opts), channel: channel, retries: retries}, nil
}

func (r *RedisNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + r.retries
	for i := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff(i)):
			}
		}
		publishCtx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
		lastErr = r.client.Publish(publishCtx, r.channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

func (r *RedisNotifier) Close() error {
	return r.client.Close()
}

// backoff 第 i 次重试前等待 500ms * 2^(i-1)
func backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}
