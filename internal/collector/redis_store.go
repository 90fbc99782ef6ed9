package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store over Redis: INCR+EXPIRE for the fixed-window
// rate-limit bucket, SET NX EX for the fingerprint dedup key. Safe across
// multiple collector replicas sharing one Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a Redis-backed dedup/rate-limit store.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *RedisStore) CheckRateLimit(ctx context.Context, affiliate string, window time.Duration, limit int) (bool, error) {
	key := bucketKey(affiliate, window, time.Now())
	count, err := r.client.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("collector: redis get: %w", err)
	}
	return count < int64(limit), nil
}

func (r *RedisStore) IncrementRate(ctx context.Context, affiliate string, window time.Duration) error {
	key := bucketKey(affiliate, window, time.Now())

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("collector: redis incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("collector: redis expire: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) RateCount(ctx context.Context, affiliate string, window time.Duration) (int64, error) {
	key := bucketKey(affiliate, window, time.Now())
	count, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("collector: redis get: %w", err)
	}
	return count, nil
}

func (r *RedisStore) SeenOrMark(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	key := "dedup:" + fingerprint
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("collector: redis setnx: %w", err)
	}
	// SetNX returns true when the key was freshly set (not previously seen).
	return !ok, nil
}
