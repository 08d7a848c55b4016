package cache

import (
	"context"
	"sync"
	"time"
)

// TokenCache holds the provider bearer credential between gateway calls.
type TokenCache interface {
	GetToken(ctx context.Context) (token string, ok bool, err error)
	StoreToken(ctx context.Context, token string, ttl time.Duration) error
	DropToken(ctx context.Context) error
}

// MemoryTokenCache is used when Redis is not configured.
type MemoryTokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (c *MemoryTokenCache) GetToken(ctx context.Context) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || !c.now().Before(c.expiresAt) {
		return "", false, nil
	}
	return c.token, true, nil
}

func (c *MemoryTokenCache) StoreToken(ctx context.Context, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	c.expiresAt = c.now().Add(ttl)
	return nil
}

func (c *MemoryTokenCache) DropToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	return nil
}
