package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipLimiterTTL 超过该时长未见请求的 IP 条目会被清理
const ipLimiterTTL = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerIPRateLimit 按客户端 IP 限流。
//
// 中继投递是突发性的：同一时刻大量邮件到达时 webhook 会被集中
// 调用，burst 要显著大于 rps。超限请求返回 429，中继会按自身
// 退避策略重投。
func PerIPRateLimit(rps float64, burst int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipLimiter)
		lastGC   = time.Now()
	)

	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if now.Sub(lastGC) > ipLimiterTTL {
			for key, entry := range limiters {
				if now.Sub(entry.lastSeen) > ipLimiterTTL {
					delete(limiters, key)
				}
			}
			lastGC = now
		}

		entry, ok := limiters[ip]
		if !ok {
			entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[ip] = entry
		}
		entry.lastSeen = now
		return entry.limiter
	}

	return func(c *gin.Context) {
		if !get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
