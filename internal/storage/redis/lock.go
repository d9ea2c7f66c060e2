package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"deskmail/backend/internal/ingest"
)

// lockPollInterval 是抢锁轮询间隔
const lockPollInterval = 100 * time.Millisecond

// releaseScript 只释放自己持有的锁（比较持有者令牌后删除）
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 消息互斥锁的 Redis 实现。
//
// SET NX + TTL 抢锁；锁值是本次持有的随机令牌，释放走 Lua 脚本
// 比较令牌后删除，避免误删他人因 TTL 续命后重新抢到的锁。
// TTL 保证持锁进程崩溃后锁最终自动过期。
type Locker struct {
	rdb *goredis.Client
	log *zap.Logger
}

// NewLocker 创建 Redis 锁
func NewLocker(client *Client, log *zap.Logger) *Locker {
	return &Locker{rdb: client.Client(), log: log}
}

// Acquire 在 wait 时间内轮询抢锁。
//
// 成功返回释放函数；超时返回 ingest.ErrLockTimeout。
func (l *Locker) Acquire(ctx context.Context, key string, wait, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, ingest.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// release 释放锁（仅当仍由本次持有）
func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
		l.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}
