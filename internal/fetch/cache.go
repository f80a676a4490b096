package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Unparseable prefixes the value stored in place of a body that was fetched
// but could not be parsed. The value carries the run that wrote it, so the
// page is not refetched within that run and is fetched again by the next.
const Unparseable = "\x00unparseable\x00"

// ResponseCache stores raw response bodies keyed by URL. Implementations must
// be safe for concurrent use; writes are last-write-wins.
type ResponseCache interface {
	Get(ctx context.Context, url string) (body string, ok bool, err error)
	Set(ctx context.Context, url, body string) error
}

type memoryEntry struct {
	body    string
	expires time.Time
}

// MemoryCache is a per-process ResponseCache. Entries expire after the TTL;
// a TTL of zero or less keeps them for the life of the process.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) Get(_ context.Context, url string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[url]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.entries[url]; ok && cur == e {
			delete(c.entries, url)
		}
		c.mu.Unlock()
		return "", false, nil
	}
	return e.body, true, nil
}

func (c *MemoryCache) Set(_ context.Context, url, body string) error {
	e := memoryEntry{body: body}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = e
	return nil
}

// Len returns the number of cached URLs, expired ones included until read.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache persists responses in Redis so repeated runs skip unchanged
// pages. A zero TTL keeps entries until evicted.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(url string) string {
	if c.prefix == "" {
		return url
	}
	return c.prefix + ":" + url
}

func (c *RedisCache) Get(ctx context.Context, url string) (string, bool, error) {
	body, err := c.client.Get(ctx, c.key(url)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return body, true, nil
}

func (c *RedisCache) Set(ctx context.Context, url, body string) error {
	return c.client.Set(ctx, c.key(url), body, c.ttl).Err()
}
