package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DedupCache 幂等缓存的 Redis 实现。
//
// SET NX 天然满足"并发相同 key 只有一次写入成功"的原子性要求，
// 多实例部署下所有入口共享同一份事实。
type DedupCache struct {
	rdb *goredis.Client
}

// NewDedupCache 创建 Redis 幂等缓存
func NewDedupCache(client *Client) *DedupCache {
	return &DedupCache{rdb: client.Client()}
}

// AddIfAbsent 不存在则写入，返回是否写入成功
func (c *DedupCache) AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}
