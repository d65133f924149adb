package clients

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"gasless-bridge/internal/metrics"
)

// Cache TTLs per key class. sendRawTransaction results are never cached.
const (
	cacheCapacity   = 4096
	gasCacheTTL     = 15 * time.Second
	nonceCacheTTL   = 2 * time.Second
	balanceCacheTTL = 15 * time.Second
)

type cacheEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time // zero means no expiry
}

// rpcCache is a small LRU with per-entry TTL shared by one endpoint pool.
type rpcCache struct {
	mu     sync.Mutex
	max    int
	items  map[string]*list.Element
	order  *list.List // front = most recent
	hits   uint64
	misses uint64
}

func newRPCCache(max int) *rpcCache {
	return &rpcCache{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *rpcCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		metrics.RPCCacheMisses.Inc()
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		metrics.RPCCacheMisses.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	metrics.RPCCacheHits.Inc()
	return entry.value, true
}

func (c *rpcCache) put(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el

	for c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *rpcCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// invalidatePrefix drops every entry whose key starts with prefix.
func (c *rpcCache) invalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *rpcCache) stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}
