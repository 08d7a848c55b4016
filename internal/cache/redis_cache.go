package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenKey = "mpesa:oauth:token"

// RedisTokenCache shares the provider credential between service replicas.
type RedisTokenCache struct {
	rdb *redis.Client
	key string
}

func NewRedisTokenCache(rdb *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{rdb: rdb, key: tokenKey}
}

type tokenValue struct {
	AccessToken string    `json:"accessToken"`
	IssuedAt    time.Time `json:"issuedAt"`
}

func (c *RedisTokenCache) GetToken(ctx context.Context) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var v tokenValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, err
	}
	if v.AccessToken == "" {
		return "", false, nil
	}
	return v.AccessToken, true, nil
}

func (c *RedisTokenCache) StoreToken(ctx context.Context, token string, ttl time.Duration) error {
	b, err := json.Marshal(tokenValue{
		AccessToken: token,
		IssuedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key, b, ttl).Err()
}

func (c *RedisTokenCache) DropToken(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key).Err()
}
