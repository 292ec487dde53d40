// Package cache implements the unified block/vlog-page cache described
// in spec.md §5: a shared, concurrent get/put cache capacity-bounded by
// bytes, with a choice of eviction policy. Callers key entries
// themselves (the sst and vlog readers prefix keys by file/segment id)
// so this package stays free of a dependency on either.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/auradb/config"
	aumetrics "github.com/dreamsxin/auradb/metrics"
)

const numShards = 16

// evictor is the per-shard eviction policy. add reports the number of
// bytes evicted to make room, so the shard can keep an accurate running
// size without re-summing its contents.
type evictor interface {
	get(key string) ([]byte, bool)
	add(key string, value []byte, capacity int64) (evictedBytes int64)
	remove(key string) (removedBytes int64)
	len() int
}

// UnifiedCache is a sharded, byte-capacity-bounded cache. Sharding by a
// hash of the key (grounded on the sharded-write-path idiom in
// hawkingrei-badger/shard_db_write.go, adapted here to sharded cache
// storage rather than sharded write batching) spreads lock contention
// across readers and writers.
type UnifiedCache struct {
	shards   []*shard
	metric   *aumetrics.Cache
	capacity int64 // per-shard byte budget
}

type shard struct {
	mu   sync.Mutex
	ev   evictor
	size int64
}

// New builds a UnifiedCache sized and policy-selected from cfg. When
// cfg.Unified is true the block and vlog-page budgets are pooled into
// one capacity; callers distinguish the two by how they key entries.
func New(cfg config.CacheConfig, reg prometheus.Registerer) *UnifiedCache {
	capacity := int64(cfg.BlockCacheSize)
	if cfg.Unified {
		capacity = int64(cfg.BlockCacheSize) + int64(cfg.VlogCacheSize)
	}
	perShard := capacity / numShards
	if perShard <= 0 {
		perShard = 1
	}

	c := &UnifiedCache{metric: aumetrics.NewCache(reg), capacity: perShard}
	c.shards = make([]*shard, numShards)
	for i := range c.shards {
		c.shards[i] = &shard{ev: newEvictor(cfg.Eviction)}
	}
	return c
}

func newEvictor(policy config.EvictionPolicy) evictor {
	switch policy {
	case config.EvictionARC:
		return newARCEvictor()
	case config.EvictionTinyLFU:
		return newTinyLFUEvictor()
	case config.EvictionLRU:
		fallthrough
	default:
		return newLRUEvictor()
	}
}

func (c *UnifiedCache) shardFor(key string) *shard {
	return c.shards[fnv32(key)%uint32(len(c.shards))]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Get returns the cached value for key, if present.
func (c *UnifiedCache) Get(key string) ([]byte, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.ev.get(key)
	if ok {
		c.metric.Hits.Inc()
	} else {
		c.metric.Misses.Inc()
	}
	return v, ok
}

// Put inserts or refreshes value under key, evicting as needed to stay
// within the shard's capacity.
func (c *UnifiedCache) Put(key string, value []byte) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	evicted := sh.ev.add(key, value, c.capacity)
	sh.size += int64(len(value)) - evicted
	if evicted > 0 {
		c.metric.Evictions.Inc()
	}
	c.metric.SizeBytes.Add(float64(len(value)) - float64(evicted))
}

// Remove drops key from the cache, if present.
func (c *UnifiedCache) Remove(key string) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	removed := sh.ev.remove(key)
	sh.size -= removed
	c.metric.SizeBytes.Add(-float64(removed))
}

// Len returns the total number of cached entries across all shards.
func (c *UnifiedCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += sh.ev.len()
		sh.mu.Unlock()
	}
	return n
}

// lruEvictor wraps hashicorp/golang-lru's fixed-capacity-by-count cache
// with byte-budget eviction: entries are evicted oldest-first until the
// shard is back under budget.
type lruEvictor struct {
	inner *lru.Cache[string, []byte]
	sizes map[string]int64
}

func newLRUEvictor() *lruEvictor {
	// A generous count cap; byte-budget eviction in add() is what
	// actually bounds memory, this just bounds the hash map itself.
	inner, _ := lru.New[string, []byte](1 << 20)
	return &lruEvictor{inner: inner, sizes: make(map[string]int64)}
}

func (e *lruEvictor) get(key string) ([]byte, bool) {
	return e.inner.Get(key)
}

func (e *lruEvictor) currentSize() int64 {
	var total int64
	for _, s := range e.sizes {
		total += s
	}
	return total
}

func (e *lruEvictor) add(key string, value []byte, capacity int64) int64 {
	// Caller's size += len(value) - evicted convention means a refresh of
	// an existing key must report its old size as "evicted" too, or the
	// shard's running total silently drifts on every overwrite.
	var evicted int64
	if old, ok := e.sizes[key]; ok {
		e.inner.Remove(key)
		delete(e.sizes, key)
		evicted += old
	}
	for e.currentSize()+int64(len(value)) > capacity && e.inner.Len() > 0 {
		oldestKey, _, ok := e.inner.GetOldest()
		if !ok {
			break
		}
		evicted += e.sizes[oldestKey]
		delete(e.sizes, oldestKey)
		e.inner.Remove(oldestKey)
	}
	e.inner.Add(key, value)
	e.sizes[key] = int64(len(value))
	return evicted
}

func (e *lruEvictor) remove(key string) int64 {
	sz, ok := e.sizes[key]
	if !ok {
		return 0
	}
	delete(e.sizes, key)
	e.inner.Remove(key)
	return sz
}

func (e *lruEvictor) len() int { return e.inner.Len() }
