package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore counts each window under its own key, rl:<class>:<windowStart>.
// Keys expire two windows after they open, so rotation is implicit.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Increment(ctx context.Context, class string, windowStart time.Time, window time.Duration) (int64, error) {
	key := "chadgate:rl:" + class + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
