package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/plantid/backend/internal/infrastructure/clients/redis"
)

const scanBatchSize = 200

// Compare-and-set operations run as scripts so the read and write are atomic
var (
	compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`)

	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisAdapter implements the KeyValueStore interface using Redis
type RedisAdapter struct {
	client *redisclient.Client
}

var (
	_ providers.KeyValueStore  = (*RedisAdapter)(nil)
	_ providers.PatternDeleter = (*RedisAdapter)(nil)
)

// NewRedisAdapter creates a new Redis store adapter
func NewRedisAdapter(client *redisclient.Client) *RedisAdapter {
	return &RedisAdapter{
		client: client,
	}
}

// Get retrieves a value from the store
func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := a.client.Client().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, providers.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return result, nil
}

// Set stores a value with expiration
func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("refusing to write %s without expiration", key)
	}
	if err := a.client.Client().Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// SetNX stores a value only if the key does not exist
func (a *RedisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("refusing to write %s without expiration", key)
	}
	ok, err := a.client.Client().SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx in redis: %w", err)
	}
	return ok, nil
}

// CompareAndSwap replaces the value if it still equals old
func (a *RedisAdapter) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("refusing to write %s without expiration", key)
	}
	res, err := compareAndSwapScript.Run(ctx, a.client.Client(), []string{key}, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-swap in redis: %w", err)
	}
	return res == 1, nil
}

// CompareAndDelete removes the key if it still equals expected
func (a *RedisAdapter) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, a.client.Client(), []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-delete in redis: %w", err)
	}
	return res == 1, nil
}

// Delete removes values from the store
func (a *RedisAdapter) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := a.client.Client().Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of a key
func (a *RedisAdapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := a.client.Client().PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl from redis: %w", err)
	}
	// -2 means missing, -1 means no expiry; neither has a remaining lifetime
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// DeletePattern removes every key matching a glob pattern using SCAN
func (a *RedisAdapter) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := a.client.Client().Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan redis keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := a.client.Client().Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete redis keys: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
