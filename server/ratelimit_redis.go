package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRateLimiter counts requests per IP in fixed windows shared by every instance.
type redisRateLimiter struct {
	client *redis.Client
	prefix string
	cfg    *rateLimiterConfig
	now    func() time.Time
}

func newRedisRateLimiter(client *redis.Client, cfg *rateLimiterConfig) *redisRateLimiter {
	return &redisRateLimiter{client: client, prefix: "chat-relay:ratelimit", cfg: cfg, now: time.Now}
}

// Allow implements RateLimiter.
func (rl *redisRateLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	if !rl.cfg.enabled {
		return true, nil
	}
	window := rl.now().UnixNano() / int64(rl.cfg.window)
	key := fmt.Sprintf("%s:%s:%d", rl.prefix, ip, window)

	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.cfg.window*2)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return incr.Val() <= int64(rl.cfg.requestsPerIP), nil
}
