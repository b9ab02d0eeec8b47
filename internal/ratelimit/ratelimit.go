// Package ratelimit implements fixed-window request limits per API key and
// per tenant.
//
// The window boundary is established only on the first hit (INCR followed by
// EXPIRE when the post-increment count is 1), which avoids a reset race
// between concurrent increments. This is a fixed-window approximation of
// "N per minute", not exact pacing.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is the fixed rate-limit window.
const Window = 60 * time.Second

// Counter is the atomic increment-and-expire primitive the limiter relies on.
type Counter interface {
	// Incr increments the counter for key and returns the post-increment
	// value. Implementations set the key's expiry to window when the
	// returned value is 1.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter backs the limiter with Redis for multi-instance deployments.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(redisURL string) (*RedisCounter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisCounter{client: redis.NewClient(opt)}, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit incr failed: %w", err)
	}
	if count == 1 {
		c.client.Expire(ctx, key, window)
	}
	return count, nil
}

// Ping verifies the Redis backend is reachable.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// MemoryCounter is a process-local Counter for single-instance deployments
// and tests.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	// ops counts increments since the last sweep of expired entries.
	ops int
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// sweepEvery bounds how many increments may pass between sweeps, so stale
// keys from long-gone tenants cannot grow the map without limit.
const sweepEvery = 1024

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memoryEntry)}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.ops++
	if c.ops >= sweepEvery {
		c.ops = 0
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}

	e, ok := c.entries[key]
	if !ok || now.After(e.expiresAt) {
		c.entries[key] = &memoryEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	e.count++
	return e.count, nil
}

// ExceededError reports which counter rejected the request.
type ExceededError struct {
	Scope string // "key" or "tenant"
	Limit int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per minute per %s", e.Limit, e.Scope)
}

// Limiter checks both the per-key and the per-tenant window for a request.
type Limiter struct {
	counter          Counter
	defaultKeyRPM    int
	defaultTenantRPM int
}

func NewLimiter(counter Counter, defaultKeyRPM, defaultTenantRPM int) *Limiter {
	return &Limiter{
		counter:          counter,
		defaultKeyRPM:    defaultKeyRPM,
		defaultTenantRPM: defaultTenantRPM,
	}
}

// Check increments both counters and returns an *ExceededError when either
// limit is exceeded. keyRPM and tenantRPM override the defaults when > 0.
// The key counter is evaluated first, so a request that trips both limits
// reports the key scope deterministically.
func (l *Limiter) Check(ctx context.Context, tenantID, apiKeyID string, keyRPM, tenantRPM int) error {
	keyLimit := l.defaultKeyRPM
	if keyRPM > 0 {
		keyLimit = keyRPM
	}
	tenantLimit := l.defaultTenantRPM
	if tenantRPM > 0 {
		tenantLimit = tenantRPM
	}

	keyCount, err := l.counter.Incr(ctx, "ai_gw:rl:key:"+apiKeyID, Window)
	if err != nil {
		return err
	}
	if keyCount > int64(keyLimit) {
		return &ExceededError{Scope: "key", Limit: keyLimit}
	}

	tenantCount, err := l.counter.Incr(ctx, "ai_gw:rl:tenant:"+tenantID, Window)
	if err != nil {
		return err
	}
	if tenantCount > int64(tenantLimit) {
		return &ExceededError{Scope: "tenant", Limit: tenantLimit}
	}

	return nil
}
