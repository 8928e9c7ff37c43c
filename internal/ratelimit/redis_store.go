package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements sliding windows as sorted sets scored by request time in milliseconds
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a distributed rate limit store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

// IncrementAndCheck adds the request to the window and trims expired entries in one transaction
func (r *RedisStore) IncrementAndCheck(ctx context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error) {
	zkey := r.prefix + key
	cutoff := now.Add(-window).UnixMilli()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Remove old entries
		pipe.ZRemRangeByScore(ctx, zkey, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, zkey)
		oldest = pipe.ZRangeWithScores(ctx, zkey, 0, 0)
		pipe.Expire(ctx, zkey, window)
		return nil
	})
	if err != nil {
		return WindowResult{}, fmt.Errorf("failed to update rate limit window: %w", err)
	}

	count := int(card.Val())
	res := WindowResult{Count: count, Allowed: count <= max}
	if !res.Allowed {
		if zs := oldest.Val(); len(zs) > 0 {
			first := time.UnixMilli(int64(zs[0].Score))
			res.RetryAfter = first.Add(window).Sub(now)
		}
	}
	return res, nil
}

// SetLockout stores an expiring lockout marker for key
func (r *RedisStore) SetLockout(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.lockoutKey(key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set lockout: %w", err)
	}
	return nil
}

// LockoutTTL returns the lockout marker's remaining TTL, or zero
func (r *RedisStore) LockoutTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, r.lockoutKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get lockout: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// ClearLockout deletes the lockout marker for key
func (r *RedisStore) ClearLockout(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.lockoutKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear lockout: %w", err)
	}
	return nil
}

func (r *RedisStore) lockoutKey(key string) string {
	return r.prefix + "lockout:" + key
}
