package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBudget meters per-user daily on-chain actions against a shared
// ceiling, holding back a reserve so orchestrated rebalances never consume
// the user's last few slots. A store error denies: the ceiling exists to
// bound worst-case cost, so an unreadable counter must not open the gate.
type RedisBudget struct {
	client  *RedisClient
	ceiling int
	reserve int
	prefix  string
}

func NewRedisBudget(client *RedisClient, ceiling, reserve int) *RedisBudget {
	if ceiling <= 0 {
		ceiling = 90
	}
	if reserve < 0 {
		reserve = 0
	}
	return &RedisBudget{client: client, ceiling: ceiling, reserve: reserve, prefix: "budget"}
}

func (b *RedisBudget) Allows(ctx context.Context, address string) (bool, error) {
	used, err := b.client.Client.Get(ctx, b.key(address)).Int()
	if err == redis.Nil {
		used = 0
	} else if err != nil {
		return false, err
	}
	return used+b.reserve < b.ceiling, nil
}

func (b *RedisBudget) Record(ctx context.Context, address string) error {
	key := b.key(address)
	pipe := b.client.Client.Pipeline()
	pipe.Incr(ctx, key)
	// Expiry comfortably past the UTC day boundary the key is scoped to.
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBudget) key(address string) string {
	date := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("%s:%s:%s", b.prefix, strings.ToLower(address), date)
}
