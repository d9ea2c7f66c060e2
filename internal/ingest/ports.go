package ingest

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout 表示在等待窗口内没能拿到同消息互斥锁
	ErrLockTimeout = errors.New("lock wait timed out")
)

// DedupCache 是幂等门使用的"不存在则写入"缓存抽象。
//
// AddIfAbsent 必须对并发的相同 key 原子：两次同时写入只有一次返回 true。
type DedupCache interface {
	AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Locker 是按消息ID互斥的分布式锁抽象。
//
// Acquire 在 wait 时间内轮询抢锁；成功时返回释放函数，
// 超时返回 ErrLockTimeout。锁会在 ttl 后自动过期，
// 防止持锁进程崩溃后永久阻塞。
type Locker interface {
	Acquire(ctx context.Context, key string, wait, ttl time.Duration) (release func(), err error)
}
