package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it. A
// worker whose lock expired mid-pipeline must not free a lock a newer
// worker has since acquired.
var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisLocker implements the per-user pipeline lock. Acquisition is a
// single SET NX EX, so it never blocks; the TTL frees stranded locks if a
// worker dies mid-pipeline.
type RedisLocker struct {
	client *RedisClient
	prefix string
}

func NewRedisLocker(client *RedisClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "rebalance:lock"}
}

func (l *RedisLocker) TryLock(ctx context.Context, address string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.Client.SetNX(ctx, l.key(address), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, address, token string) error {
	return releaseScript.Run(ctx, l.client.Client, []string{l.key(address)}, token).Err()
}

func (l *RedisLocker) key(address string) string {
	return l.prefix + ":" + strings.ToLower(address)
}
