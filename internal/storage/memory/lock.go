package memory

import (
	"context"
	"sync"
	"time"

	"deskmail/backend/internal/ingest"
)

// Locker 消息互斥锁的内存实现
//
// 单进程内与 Redis 实现等价：同一 key 同时只有一个持有者，
// 等待超时返回 ingest.ErrLockTimeout。
type Locker struct {
	mu    sync.Mutex
	held  map[string]time.Time // key → 锁的过期时刻
	now   func() time.Time
	poll  time.Duration
}

// NewLocker 创建内存锁
func NewLocker() *Locker {
	return &Locker{
		held: make(map[string]time.Time),
		now:  time.Now,
		poll: 10 * time.Millisecond,
	}
}

// Acquire 在 wait 时间内轮询抢锁
func (l *Locker) Acquire(ctx context.Context, key string, wait, ttl time.Duration) (func(), error) {
	deadline := l.now().Add(wait)

	for {
		if l.tryAcquire(key, ttl) {
			return func() { l.release(key) }, nil
		}
		if l.now().After(deadline) {
			return nil, ingest.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// tryAcquire 尝试抢锁，已过期的持有视为空闲
func (l *Locker) tryAcquire(key string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, ok := l.held[key]; ok && expiry.After(now) {
		return false
	}
	l.held[key] = now.Add(ttl)
	return true
}

// release 释放锁
func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
