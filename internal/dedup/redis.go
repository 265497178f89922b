package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "paymaster:dedup:"

var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisCache keeps keys in Redis with native expiry.
type RedisCache struct {
	client goredis.UniversalClient
}

func NewRedisCache(client goredis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup get %s: %w", key, err)
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("dedup set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, redisKeyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup reserve %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisCache) Release(ctx context.Context, key, value string) error {
	if err := releaseScript.Run(ctx, c.client, []string{redisKeyPrefix + key}, value).Err(); err != nil {
		return fmt.Errorf("dedup release %s: %w", key, err)
	}
	return nil
}
