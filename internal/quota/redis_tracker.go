package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// Keys live for two days so counters for rolled-over periods expire on their
// own; correctness only depends on the period key, not the TTL.
const keyTTL = 48 * time.Hour

type RedisTracker struct {
	rdb    *redis.Client
	limits Limits
}

func NewRedisTracker(rdb *redis.Client, limits Limits) *RedisTracker {
	return &RedisTracker{rdb: rdb, limits: limits}
}

var _ Tracker = (*RedisTracker)(nil)

func key(ch model.Channel, periodKey string) string {
	return fmt.Sprintf("quota:%s:%s", ch, periodKey)
}

func (t *RedisTracker) CheckAndReserve(ctx context.Context, ch model.Channel, periodKey string) (Decision, error) {
	limit := t.limits[ch]
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit}, nil
	}

	k := key(ch, periodKey)
	used, err := t.rdb.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, err
	}
	if used == 1 {
		_ = t.rdb.Expire(ctx, k, keyTTL).Err()
	}
	if used > int64(limit) {
		// Over the cap: give the slot back so used never exceeds limit.
		if err := t.rdb.Decr(ctx, k).Err(); err != nil {
			return Decision{}, err
		}
		return Decision{
			Allowed: false,
			Used:    limit,
			Limit:   limit,
			Reason:  fmt.Sprintf("daily quota of %d exhausted for channel %s", limit, ch),
		}, nil
	}
	return Decision{Allowed: true, Used: int(used), Limit: limit}, nil
}

func (t *RedisTracker) Release(ctx context.Context, ch model.Channel, periodKey string) error {
	if t.limits[ch] <= 0 {
		return nil
	}
	return t.rdb.Decr(ctx, key(ch, periodKey)).Err()
}
