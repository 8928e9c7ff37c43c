package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxConsumeAttempts = 5

var errConsumeContention = errors.New("mfa code consumed concurrently too often")

// RedisStore keeps MFA state in Redis so every replica sees the same
// enrollments and one-time codes. Challenges expire with their code.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore creates an MFA store backed by client
func NewRedisStore(client redis.UniversalClient, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, now: now}
}

// enrollmentRecord persists the secret that Enrollment hides from API responses
type enrollmentRecord struct {
	Enrollment
	Secret string `json:"secret,omitempty"`
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON reports false when key is absent
func getJSON(ctx context.Context, c getter, key string, v interface{}) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SaveEnrollment stores e including its secret
func (r *RedisStore) SaveEnrollment(ctx context.Context, e *Enrollment) error {
	data, err := json.Marshal(enrollmentRecord{Enrollment: *e, Secret: e.Secret})
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment: %w", err)
	}
	if err := r.client.Set(ctx, r.enrollmentKey(e.TenantID, e.UserID, e.Method), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	return nil
}

// GetEnrollment returns the user's enrollment for method
func (r *RedisStore) GetEnrollment(ctx context.Context, tenantID, userID string, method Method) (*Enrollment, error) {
	var rec enrollmentRecord
	found, err := getJSON(ctx, r.client, r.enrollmentKey(tenantID, userID, method), &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if !found {
		return nil, nil
	}
	e := rec.Enrollment
	e.Secret = rec.Secret
	return &e, nil
}

// ListEnrollments returns the user's enrollments in method order
func (r *RedisStore) ListEnrollments(ctx context.Context, tenantID, userID string) ([]*Enrollment, error) {
	methods := []Method{MethodTOTP, MethodSMS, MethodEmail, MethodBackupCode}
	keys := make([]string, len(methods))
	for i, method := range methods {
		keys[i] = r.enrollmentKey(tenantID, userID, method)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}

	var out []*Enrollment
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec enrollmentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		e := rec.Enrollment
		e.Secret = rec.Secret
		out = append(out, &e)
	}
	return out, nil
}

// SaveChallenge stores the challenge with a TTL of its remaining validity
func (r *RedisStore) SaveChallenge(ctx context.Context, tenantID, userID string, method Method, c *Challenge) error {
	key := r.challengeKey(tenantID, userID, method)
	ttl := c.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return r.DeleteChallenge(ctx, tenantID, userID, method)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}
	return nil
}

// GetChallenge returns the pending challenge for method
func (r *RedisStore) GetChallenge(ctx context.Context, tenantID, userID string, method Method) (*Challenge, error) {
	var c Challenge
	found, err := getJSON(ctx, r.client, r.challengeKey(tenantID, userID, method), &c)
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &c, nil
}

// DeleteChallenge discards the pending challenge for method
func (r *RedisStore) DeleteChallenge(ctx context.Context, tenantID, userID string, method Method) error {
	if err := r.client.Del(ctx, r.challengeKey(tenantID, userID, method)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge deletes the challenge in a WATCH transaction so a code
// accepted by two replicas at once is only honoured once
func (r *RedisStore) ConsumeChallenge(ctx context.Context, tenantID, userID string, method Method, match func(*Challenge) bool) (bool, error) {
	key := r.challengeKey(tenantID, userID, method)
	return r.consume(ctx, key, func(tx *redis.Tx) (bool, error) {
		var c Challenge
		found, err := getJSON(ctx, tx, key, &c)
		if err != nil || !found || !match(&c) {
			return false, err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err == nil, err
	})
}

// SaveBackupCodes replaces the user's backup codes. An empty batch deletes them.
func (r *RedisStore) SaveBackupCodes(ctx context.Context, tenantID, userID string, codes []BackupCode) error {
	key := r.backupCodesKey(tenantID, userID)
	if len(codes) == 0 {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear backup codes: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("failed to marshal backup codes: %w", err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save backup codes: %w", err)
	}
	return nil
}

// GetBackupCodes returns the user's backup codes
func (r *RedisStore) GetBackupCodes(ctx context.Context, tenantID, userID string) ([]BackupCode, error) {
	var codes []BackupCode
	if _, err := getJSON(ctx, r.client, r.backupCodesKey(tenantID, userID), &codes); err != nil {
		return nil, fmt.Errorf("failed to get backup codes: %w", err)
	}
	return codes, nil
}

// ConsumeBackupCode marks a matching code used in a WATCH transaction
func (r *RedisStore) ConsumeBackupCode(ctx context.Context, tenantID, userID string, match func(BackupCode) bool, usedAt time.Time) (bool, error) {
	key := r.backupCodesKey(tenantID, userID)
	return r.consume(ctx, key, func(tx *redis.Tx) (bool, error) {
		var codes []BackupCode
		if _, err := getJSON(ctx, tx, key, &codes); err != nil {
			return false, err
		}
		i := matchBackupCode(codes, match)
		if i < 0 {
			return false, nil
		}
		at := usedAt
		codes[i].Used = true
		codes[i].UsedAt = &at
		data, err := json.Marshal(codes)
		if err != nil {
			return false, fmt.Errorf("failed to marshal backup codes: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err == nil, err
	})
}

// consume runs fn under WATCH on key, retrying when another client changed the key first
func (r *RedisStore) consume(ctx context.Context, key string, fn func(tx *redis.Tx) (bool, error)) (bool, error) {
	for attempt := 0; attempt < maxConsumeAttempts; attempt++ {
		var consumed bool
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			consumed, err = fn(tx)
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return consumed, nil
	}
	return false, errConsumeContention
}

func (r *RedisStore) enrollmentKey(tenantID, userID string, method Method) string {
	return fmt.Sprintf("mfa:enrollment:%s:%s:%s", tenantID, userID, method)
}

func (r *RedisStore) challengeKey(tenantID, userID string, method Method) string {
	return fmt.Sprintf("mfa:challenge:%s:%s:%s", tenantID, userID, method)
}

func (r *RedisStore) backupCodesKey(tenantID, userID string) string {
	return fmt.Sprintf("mfa:backup_codes:%s:%s", tenantID, userID)
}
