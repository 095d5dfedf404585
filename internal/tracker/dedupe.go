package tracker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers receipt ids in redis so replayed receipts skip the
// postgres round-trip. Checking and marking are separate on purpose: a
// receipt is only marked after it has been applied, so an apply that dies
// halfway is re-processed on redelivery instead of silently dropped.
// TTL-bounded; losing an entry only costs one no-op reduce.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, receiptID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, "receipt:"+receiptID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, receiptID string) error {
	return d.rdb.Set(ctx, "receipt:"+receiptID, 1, d.ttl).Err()
}
