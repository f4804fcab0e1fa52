package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/cordum-authz/core/infra/logging"
	"github.com/cordum/cordum-authz/core/infra/redisutil"
)

const (
	defaultCacheOpTimeout = 2 * time.Second
	cacheAllow            = "1"
	cacheDeny             = "0"
)

// DecisionCache stores allow/deny outcomes by cache key. Get and Set never surface backend
// errors: a failed read is a miss and a failed write is dropped.
type DecisionCache interface {
	Get(ctx context.Context, key string) (allowed bool, found bool)
	Set(ctx context.Context, key string, allowed bool, ttl time.Duration)
	// InvalidateAll removes every decision entry and returns how many were deleted.
	InvalidateAll(ctx context.Context) (int, error)
}

// RedisDecisionCache keeps decisions in Redis as "1"/"0" strings with an expiry.
type RedisDecisionCache struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewRedisDecisionCache dials url and verifies the connection.
func NewRedisDecisionCache(ctx context.Context, url string) (*RedisDecisionCache, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}
	return NewRedisDecisionCacheWithClient(client), nil
}

// NewRedisDecisionCacheWithClient wraps an existing client.
func NewRedisDecisionCacheWithClient(client redis.UniversalClient) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, opTimeout: defaultCacheOpTimeout}
}

func (c *RedisDecisionCache) Get(ctx context.Context, key string) (bool, bool) {
	if c == nil || c.client == nil {
		return false, false
	}
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	val, err := c.client.Get(cctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Warn("cache", "get failed, treating as miss", "error", err)
		}
		return false, false
	}
	switch val {
	case cacheAllow:
		return true, true
	case cacheDeny:
		return false, true
	default:
		logging.Warn("cache", "unexpected cached value, treating as miss", "value", val)
		return false, false
	}
}

func (c *RedisDecisionCache) Set(ctx context.Context, key string, allowed bool, ttl time.Duration) {
	if c == nil || c.client == nil || ttl <= 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()
	val := cacheDeny
	if allowed {
		val = cacheAllow
	}
	if err := c.client.Set(cctx, key, val, ttl).Err(); err != nil {
		logging.Warn("cache", "set failed", "error", err)
	}
}

func (c *RedisDecisionCache) InvalidateAll(ctx context.Context) (int, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("decision cache not initialized")
	}
	n, err := redisutil.DeleteByPattern(ctx, c.client, CacheKeyPrefix+"*", redisutil.DefaultScanBatch)
	if err != nil {
		return n, fmt.Errorf("invalidate decisions: %w", err)
	}
	return n, nil
}

// Close releases the Redis client.
func (c *RedisDecisionCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

type memoryEntry struct {
	allowed bool
	expires time.Time
}

// memorySweepInterval spaces out the expired-entry sweeps done by Set.
const memorySweepInterval = time.Minute

// MemoryDecisionCache is a process-local DecisionCache for single-instance deployments.
type MemoryDecisionCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryDecisionCache() *MemoryDecisionCache {
	return &MemoryDecisionCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryDecisionCache) Get(_ context.Context, key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return false, false
	}
	return e.allowed, true
}

func (c *MemoryDecisionCache) Set(_ context.Context, key string, allowed bool, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) >= memorySweepInterval {
		c.sweepLocked(now)
	}
	c.entries[key] = memoryEntry{allowed: allowed, expires: now.Add(ttl)}
}

func (c *MemoryDecisionCache) sweepLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
	c.lastSweep = now
}

// InvalidateAll snapshots the decision keys, then deletes them in batches so readers and
// writers interleave with a large flush.
func (c *MemoryDecisionCache) InvalidateAll(ctx context.Context) (int, error) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		if strings.HasPrefix(key, CacheKeyPrefix) {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	n := 0
	for start := 0; start < len(keys); start += redisutil.DefaultScanBatch {
		if ctx != nil && ctx.Err() != nil {
			return n, ctx.Err()
		}
		end := min(start+redisutil.DefaultScanBatch, len(keys))
		c.mu.Lock()
		for _, key := range keys[start:end] {
			if _, ok := c.entries[key]; ok {
				delete(c.entries, key)
				n++
			}
		}
		c.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *MemoryDecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
