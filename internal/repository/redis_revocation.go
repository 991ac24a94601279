package repository

import (
	"context"
	"time"
)

// RedisRevocations marks session-key identifiers as revoked. The mark
// outlives the session's own expiry so a cycle holding a stale
// authorization object still sees the revocation.
type RedisRevocations struct {
	client *RedisClient
	prefix string
}

func NewRedisRevocations(client *RedisClient) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: "session:revoked"}
}

func (r *RedisRevocations) Revoke(ctx context.Context, sessionKeyID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return r.client.Client.Set(ctx, r.key(sessionKeyID), "1", ttl).Err()
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, sessionKeyID string) (bool, error) {
	n, err := r.client.Client.Exists(ctx, r.key(sessionKeyID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRevocations) key(sessionKeyID string) string {
	return r.prefix + ":" + sessionKeyID
}
