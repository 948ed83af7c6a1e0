package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tiendalotes/backend/internal/domain"
)

type RedisValuationCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisValuationCache(client *redis.Client) *RedisValuationCache {
	return &RedisValuationCache{client: client}
}

func (c *RedisValuationCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisValuationCache) Close() error {
	return c.client.Close()
}

func (c *RedisValuationCache) Get(ctx context.Context, key string) (*domain.InventoryValuation, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var valuation domain.InventoryValuation
	if err := json.Unmarshal([]byte(val), &valuation); err != nil {
		return nil, false, err
	}
	return &valuation, true, nil
}

func (c *RedisValuationCache) Set(ctx context.Context, key string, value *domain.InventoryValuation, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisValuationCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
