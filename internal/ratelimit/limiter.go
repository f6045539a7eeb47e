// Package ratelimit implements a sliding-window request limiter on Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per key inside a rolling window. A Limiter without
// a Redis client allows everything.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func New(rdb *redis.Client, prefix string) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{rdb: rdb, prefix: prefix, now: time.Now}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.rdb != nil
}

// Allow records one request for key and reports whether it fits in limit
// requests per window. A non-positive limit disables the check.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if !l.Enabled() || limit <= 0 {
		return true, nil
	}

	fullKey := l.Key(key)
	now := l.now().UnixMilli()
	windowStart := now - window.Milliseconds()

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("count window: %w", err)
	}

	if countCmd.Val() >= int64(limit) {
		return false, nil
	}

	pipe = l.rdb.Pipeline()
	pipe.ZAdd(ctx, fullKey, redis.Z{
		Score:  float64(now),
		Member: strconv.FormatInt(now, 10) + "-" + uuid.NewString(),
	})
	pipe.Expire(ctx, fullKey, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record request: %w", err)
	}
	return true, nil
}

func (l *Limiter) Key(key string) string {
	return l.prefix + ":" + key
}

func IPKey(ip string) string {
	return "ip:" + ip
}

func UserKey(userID string) string {
	return "user:" + userID
}
