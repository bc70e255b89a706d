package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MetaDevZone/secure-2fa/internal/util"
)

var errStopped = errors.New("rate governor stopped")

const rateKeyPrefix = "otp:rate:"

// RedisGovernor implements the rate governor contract over a shared
// Redis instance so that quotas hold across replicas. Windows are
// fixed: the counter key carries the window TTL and resets by expiry.
type RedisGovernor struct {
	client *redis.Client
}

func NewRedisGovernor(client *redis.Client) *RedisGovernor {
	return &RedisGovernor{client: client}
}

func (g *RedisGovernor) CheckLimit(ctx context.Context, key string, max int, _ time.Duration) (bool, error) {
	val, err := g.client.Get(ctx, rateKeyPrefix+key).Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read rate counter: %w", err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		util.Error("Invalid rate counter format",
			util.String("key", key),
			util.String("value", val))
		return false, fmt.Errorf("invalid rate counter format: %w", err)
	}
	return count < max, nil
}

func (g *RedisGovernor) Increment(ctx context.Context, key string, window time.Duration) error {
	rateKey := rateKeyPrefix + key

	// INCR then EXPIRE only on the first hit, so the window is anchored
	// at the first request rather than sliding with each one.
	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, rateKey)
	pipe.ExpireNX(ctx, rateKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment rate counter: %w", err)
	}

	util.Debug("Rate counter incremented",
		util.String("key", key),
		util.Int("count", int(incr.Val())),
		util.Duration("window", window))
	return nil
}

func (g *RedisGovernor) HealthCheck(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
