package memory

import (
	"context"
	"sync"
	"time"
)

// DedupCache 幂等缓存的内存实现
//
// 用于测试与开发环境；与 Redis 实现保持相同的原子语义。
type DedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // key → 过期时刻
	now     func() time.Time
}

// NewDedupCache 创建内存幂等缓存
func NewDedupCache() *DedupCache {
	return &DedupCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// AddIfAbsent 不存在（或已过期）则写入，返回是否写入成功
func (c *DedupCache) AddIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expiry, ok := c.entries[key]; ok && expiry.After(now) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}
