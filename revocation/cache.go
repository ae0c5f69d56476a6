package revocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores raw revocation responses keyed by responder URL and serial.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, data []byte)
}

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryCache implements a simple thread-safe in-memory cache.
type MemoryCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryCache returns a cache whose entries live for ttl. A zero ttl keeps
// entries until the process exits.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:   ttl,
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !item.expires.IsZero() && c.now().After(item.expires) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expires.Equal(item.expires) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

func (c *MemoryCache) Put(_ context.Context, key string, data []byte) {
	item := memoryItem{data: append([]byte(nil), data...)}
	if c.ttl > 0 {
		item.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item
}

// RedisClient is the subset of redis.UniversalClient used by RedisCache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares revocation responses between instances.
type RedisCache struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisCache wraps client; keyPrefix is prepended to every key
// (e.g. "sigtrust:revocation:").
func NewRedisCache(client RedisClient, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// Get treats Redis failures as misses so revocation checking continues
// against the responders.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("revocation cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Put(ctx context.Context, key string, data []byte) {
	if err := c.client.Set(ctx, c.keyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("revocation cache write failed", zap.String("key", key), zap.Error(err))
	}
}
