package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"deskmail/backend/internal/domain"
)

// dedupKeyPrefix 是幂等缓存键的命名空间
const dedupKeyPrefix = "ingest:dedup:"

// syntheticBodyLen 是合成标识采样的正文长度
const syntheticBodyLen = 200

// Gate 是入口处的幂等门。
//
// 缓存的 add-if-absent 是"这条消息是否已被接受处理"的唯一事实来源；
// 写入失败（键已存在）时调用方直接按重复投递成功返回，不再入队。
// 这是入口的快速路径；worker 侧的消息锁才是并发正确性的兜底。
type Gate struct {
	cache DedupCache
	ttl   time.Duration
}

// NewGate 创建幂等门
func NewGate(cache DedupCache, ttl time.Duration) *Gate {
	return &Gate{cache: cache, ttl: ttl}
}

// FirstDelivery 判断这是否是该去重键的首次投递。
//
// 返回 true 表示本次调用抢到了处理权；false 表示重复投递。
func (g *Gate) FirstDelivery(ctx context.Context, key string) (bool, error) {
	return g.cache.AddIfAbsent(ctx, dedupKeyPrefix+key, g.ttl)
}

// DedupKey 计算消息的去重键。
//
// 有消息标识时取其归一化形式的 SHA-256；缺失时用
// 发件人 ∥ 接收时间 ∥ 正文前 200 字符拼出合成标识再哈希。
func DedupKey(messageID, sender string, receivedAt time.Time, body string) string {
	normalized := domain.NormalizeMessageID(messageID)
	if normalized != "" {
		return hashKey(normalized)
	}

	preview := body
	if len(preview) > syntheticBodyLen {
		preview = preview[:syntheticBodyLen]
	}
	synthetic := sender + "|" + receivedAt.UTC().Format(time.RFC3339) + "|" + preview
	return hashKey(synthetic)
}

// hashKey 返回输入的 SHA-256 十六进制摘要
func hashKey(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
