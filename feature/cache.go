package feature

import (
	"sync"
	"time"

	"github.com/rushteam/onlinerec/core"
)

// vectorCache 是短 TTL 的特征向量缓存。
//
// 两个读路径：
//   - Get：正常命中（未过期）
//   - GetStale：允许过期命中，仅用于后端不可用时的降级兜底
//
// RecordInteraction 在返回前调用 Invalidate，保证 read-your-writes。
// 每个用户带失效代数：未命中时由 Generation 取号，回填时 Set 校验，
// 计算期间被失效的旧向量直接丢弃，不会覆盖更新后的状态。
type vectorCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	gens    map[string]uint64
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	vector     core.FeatureVector
	expireTime time.Time
	accessTime time.Time
}

func newVectorCache(maxSize int, ttl time.Duration) *vectorCache {
	return &vectorCache{
		entries: make(map[string]*cacheEntry),
		gens:    make(map[string]uint64),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *vectorCache) Get(userID string) (core.FeatureVector, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expireTime) {
		return nil, false
	}

	c.mu.Lock()
	e.accessTime = time.Now()
	c.mu.Unlock()
	return e.vector.Clone(), true
}

// GetStale 返回缓存值且不检查过期，供后端故障时降级使用。
func (c *vectorCache) GetStale(userID string) (core.FeatureVector, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	return e.vector.Clone(), true
}

// Generation 返回用户当前的失效代数，供回填前取号。
func (c *vectorCache) Generation(userID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[userID]
}

// Set 回填向量。gen 与取号时不一致说明期间发生过 Invalidate，
// 该向量基于已过时的状态计算，丢弃。
func (c *vectorCache) Set(userID string, vec core.FeatureVector, gen uint64) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[userID] != gen {
		return
	}
	c.entries[userID] = &cacheEntry{
		vector:     vec.Clone(),
		expireTime: now.Add(c.ttl),
		accessTime: now,
	}
	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		c.evictOldest()
	}
}

func (c *vectorCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[userID]++
	delete(c.entries, userID)
}

func (c *vectorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest 淘汰最久未访问的条目（调用方持有写锁）。
func (c *vectorCache) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.accessTime.Before(oldest) {
			oldestKey = k
			oldest = e.accessTime
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
