package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBanMirror implements BanMirror on top of Redis: native key TTL for
// expiry, a configurable key prefix.
type RedisBanMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisBanMirror(client *redis.Client, prefix string) *RedisBanMirror {
	if prefix == "" {
		prefix = "shiftd:banned:"
	}
	return &RedisBanMirror{client: client, prefix: prefix}
}

func (m *RedisBanMirror) SetBan(key string, until time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := m.client.Set(ctx, m.prefix+key, until.Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("limiter: failed to mirror ban: %w", err)
	}
	return nil
}

func (m *RedisBanMirror) GetBan(key string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	val, err := m.client.Get(ctx, m.prefix+key).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("limiter: failed to read ban mirror: %w", err)
	}
	until, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, nil
	}
	return until, true, nil
}
