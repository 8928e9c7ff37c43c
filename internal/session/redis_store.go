package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps sessions as expiring keys. TTL equals remaining lifetime, so cleanup is a no-op.
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisStore creates a session store backed by client
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, logger: logger, now: now}
}

// StoreSession writes the session with a TTL of its remaining lifetime
func (r *RedisStore) StoreSession(ctx context.Context, s *Info) error {
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return r.DeleteSession(ctx, s.SessionID)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	userKey := r.userSessionsKey(s.TenantID, s.UserID)
	tenantKey := r.tenantSessionsKey(s.TenantID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.SessionID), data, ttl)
		pipe.SAdd(ctx, userKey, s.SessionID)
		pipe.SAdd(ctx, tenantKey, s.SessionID)
		// Indexes outlive their longest member; GT never shortens, NX covers a fresh set
		for _, key := range []string{userKey, tenantKey} {
			pipe.ExpireNX(ctx, key, ttl+time.Hour)
			pipe.ExpireGT(ctx, key, ttl+time.Hour)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession reads a session or returns nil when absent
func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (*Info, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s Info
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// DeleteSession removes the session and its index entries
func (r *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(sessionID))
		if s != nil {
			pipe.SRem(ctx, r.userSessionsKey(s.TenantID, s.UserID), sessionID)
			pipe.SRem(ctx, r.tenantSessionsKey(s.TenantID), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetUserSessions returns the user's sessions, pruning index entries whose key has expired
func (r *RedisStore) GetUserSessions(ctx context.Context, userID, tenantID string) ([]*Info, error) {
	userKey := r.userSessionsKey(tenantID, userID)
	ids, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load user sessions: %w", err)
	}

	var stale []interface{}
	out := make([]*Info, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s Info
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			r.logger.Warn("Failed to unmarshal session",
				zap.String("session_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		out = append(out, &s)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, userKey, stale...).Err(); err != nil {
			r.logger.Warn("Failed to prune session index", zap.String("key", userKey), zap.Error(err))
		}
	}
	return out, nil
}

// CleanupExpiredSessions is a no-op; Redis expires session keys itself
func (r *RedisStore) CleanupExpiredSessions(context.Context) (int, error) {
	return 0, nil
}

// CountTenantSessions returns the number of indexed sessions for a tenant
func (r *RedisStore) CountTenantSessions(ctx context.Context, tenantID string) (int64, error) {
	n, err := r.client.SCard(ctx, r.tenantSessionsKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count tenant sessions: %w", err)
	}
	return n, nil
}

func (r *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func (r *RedisStore) userSessionsKey(tenantID, userID string) string {
	return fmt.Sprintf("user_sessions:%s:%s", tenantID, userID)
}

func (r *RedisStore) tenantSessionsKey(tenantID string) string {
	return fmt.Sprintf("tenant_sessions:%s", tenantID)
}
