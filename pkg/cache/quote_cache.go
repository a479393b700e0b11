// Package cache provides a sharded TTL cache for market quotes, cutting
// round trips to the broker's quote endpoint.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"trade-relay/pkg/brokers/common"
)

const numShards = 16

// QuoteCache shards quote entries by symbol to keep lock contention low
// when many dashboard sessions poll at once.
type QuoteCache struct {
	shards [numShards]*quoteShard
	ttl    time.Duration
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	quote     common.Quote
	updatedAt time.Time
}

// NewQuoteCache creates a cache whose entries go stale after ttl.
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	c := &QuoteCache{ttl: ttl}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func (c *QuoteCache) getShard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a quote keyed by its EXCHANGE:SYMBOL name.
func (c *QuoteCache) Set(key string, q common.Quote) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = quoteEntry{quote: q, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// Get returns a quote if present and fresh.
func (c *QuoteCache) Get(key string) (common.Quote, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > c.ttl {
		return common.Quote{}, false
	}
	return entry.quote, true
}

// Len returns the total entries across all shards, stale ones included.
func (c *QuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup drops entries older than the TTL and reports how many.
func (c *QuoteCache) Cleanup() int {
	removed := 0
	cutoff := time.Now().Add(-c.ttl)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
