package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist records revoked token ids until their natural expiry
type Blacklist interface {
	Add(ctx context.Context, jti string, ttl time.Duration) error
	Exists(ctx context.Context, jti string) (bool, error)
	Remove(ctx context.Context, jti string) error
}

// MemoryBlacklist is a single-process blacklist. Expired entries are dropped on read and by Cleanup.
type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryBlacklist creates an empty in-memory blacklist
func NewMemoryBlacklist(now func() time.Time) *MemoryBlacklist {
	if now == nil {
		now = time.Now
	}
	return &MemoryBlacklist{entries: make(map[string]time.Time), now: now}
}

// Add blacklists jti for ttl
func (b *MemoryBlacklist) Add(_ context.Context, jti string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[jti] = b.now().Add(ttl)
	return nil
}

// Exists reports whether jti is blacklisted
func (b *MemoryBlacklist) Exists(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiresAt, ok := b.entries[jti]
	if !ok {
		return false, nil
	}
	if !b.now().Before(expiresAt) {
		delete(b.entries, jti)
		return false, nil
	}
	return true, nil
}

// Remove drops jti from the blacklist
func (b *MemoryBlacklist) Remove(_ context.Context, jti string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, jti)
	return nil
}

// Cleanup removes expired entries and returns how many were dropped
func (b *MemoryBlacklist) Cleanup() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for jti, expiresAt := range b.entries {
		if !now.Before(expiresAt) {
			delete(b.entries, jti)
			removed++
		}
	}
	return removed
}

// RedisBlacklist stores revoked token ids as expiring keys
type RedisBlacklist struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBlacklist creates a blacklist backed by client
func NewRedisBlacklist(client redis.UniversalClient) *RedisBlacklist {
	return &RedisBlacklist{client: client, prefix: "token_blacklist:"}
}

// Add blacklists jti for ttl
func (b *RedisBlacklist) Add(ctx context.Context, jti string, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.prefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// Exists reports whether jti is blacklisted
func (b *RedisBlacklist) Exists(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, b.prefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return n > 0, nil
}

// Remove drops jti from the blacklist
func (b *RedisBlacklist) Remove(ctx context.Context, jti string) error {
	if err := b.client.Del(ctx, b.prefix+jti).Err(); err != nil {
		return fmt.Errorf("failed to remove blacklisted token: %w", err)
	}
	return nil
}
