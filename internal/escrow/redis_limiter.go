package escrow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "rentalwallet:lock-attempts:"

// RedisLimiter shares sliding windows between instances through a sorted set per key.
type RedisLimiter struct {
	client goredis.UniversalClient
	config LimiterConfig
	prefix string
	now    func() time.Time
}

// NewRedisLimiter builds a RedisLimiter. An empty prefix uses the default namespace.
func NewRedisLimiter(client goredis.UniversalClient, config LimiterConfig, prefix string, now func() time.Time) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfig)
	}
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, config: config.withDefaults(), prefix: prefix, now: now}, nil
}

// Allow adds the attempt before counting and withdraws it again when the window overflows.
func (limiter *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, fmt.Errorf("%w: empty limiter key", ErrInvalidRequest)
	}
	now := limiter.now()
	redisKey := limiter.prefix + key
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-limiter.config.Window).UnixMilli(), 10)

	pipe := limiter.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	pipe.ZAdd(ctx, redisKey, goredis.Z{Score: float64(now.UnixMilli()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, limiter.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	count := int(countCmd.Val())
	if count <= limiter.config.Limit {
		return Decision{Allowed: true, Remaining: limiter.config.Limit - count}, nil
	}
	if err := limiter.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	retryAfter := limiter.config.Window
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		oldestAt := time.UnixMilli(int64(oldest[0].Score))
		retryAfter = oldestAt.Add(limiter.config.Window).Sub(now)
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
