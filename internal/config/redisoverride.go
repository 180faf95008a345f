package config

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOverrideHashKey is the Redis hash the orchestrator writes live
// config overrides into.
const DefaultOverrideHashKey = "moose:config:overrides"

// RedisOverrideSource backs OverrideSource with a Redis hash, giving the
// outer orchestrator a live override channel on top of the env+file
// baseline. Lookups are bounded by a short timeout so a slow Redis never
// stalls a Config() call; any error reads as "no override".
type RedisOverrideSource struct {
	rdb     *redis.Client
	hashKey string
	timeout time.Duration
}

// NewRedisOverrideSource verifies connectivity and returns a source
// reading overrides from hashKey (DefaultOverrideHashKey if empty).
func NewRedisOverrideSource(ctx context.Context, rdb *redis.Client, hashKey string) (*RedisOverrideSource, error) {
	if rdb == nil {
		return nil, fmt.Errorf("config: redis client is required")
	}
	if hashKey == "" {
		hashKey = DefaultOverrideHashKey
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("config: ping redis: %w", err)
	}
	return &RedisOverrideSource{rdb: rdb, hashKey: hashKey, timeout: time.Second}, nil
}

// Override implements OverrideSource.
func (s *RedisOverrideSource) Override(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	v, err := s.rdb.HGet(ctx, s.hashKey, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}
