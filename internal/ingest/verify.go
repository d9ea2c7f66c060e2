package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var (
	ErrTopicMismatch    = errors.New("push topic mismatch")
	ErrMissingSignature = errors.New("missing signature fields")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleTimestamp   = errors.New("timestamp outside replay window")
	ErrBadSecret        = errors.New("ingest secret mismatch")
)

// replayWindow 是路由中继签名时间戳允许的最大偏移
const replayWindow = 300 * time.Second

// PushVerifier 验证推送中继（Relay-A）的通知真实性。
//
// 信任模型：载荷内嵌的主题标识必须等于配置值；
// 配置为空时跳过验证（仅限非生产环境）。
type PushVerifier struct {
	topic  string
	client *http.Client
	log    *zap.Logger
}

// NewPushVerifier 创建推送中继验证器
func NewPushVerifier(topic string, log *zap.Logger) *PushVerifier {
	return &PushVerifier{
		topic:  topic,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

// VerifyTopic 校验载荷中的主题标识
func (v *PushVerifier) VerifyTopic(topic string) error {
	if v.topic == "" {
		v.log.Warn("push topic verification disabled (no topic configured); do not run this in production")
		return nil
	}
	if topic != v.topic {
		return fmt.Errorf("%w: got %q", ErrTopicMismatch, topic)
	}
	return nil
}

// ConfirmSubscription 访问中继提供的确认地址，完成订阅握手。
//
// 这是一次性的管理动作，不属于稳态消息投递：
// 短超时 GET，最多重试 3 次。
func (v *PushVerifier) ConfirmSubscription(ctx context.Context, confirmURL string) error {
	if confirmURL == "" {
		return errors.New("empty confirmation url")
	}

	const maxAttempts = 3

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmURL, nil)
		if err != nil {
			return fmt.Errorf("build confirmation request: %w", err)
		}
		resp, err := v.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				v.log.Info("push subscription confirmed", zap.String("url", confirmURL))
				return nil
			}
			err = fmt.Errorf("confirmation endpoint returned %d", resp.StatusCode)
		}
		lastErr = err
		v.log.Warn("subscription confirmation attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		// 退避只发生在两次尝试之间
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("confirm subscription: %w", lastErr)
}

// RouteVerifier 验证路由中继（Relay-B）的签名请求。
//
// 签名算法：HMAC-SHA256(signingKey, timestamp ∥ token)，十六进制编码。
type RouteVerifier struct {
	signingKey string
	now        func() time.Time
	log        *zap.Logger
}

// NewRouteVerifier 创建路由中继验证器
func NewRouteVerifier(signingKey string, log *zap.Logger) *RouteVerifier {
	return &RouteVerifier{
		signingKey: signingKey,
		now:        time.Now,
		log:        log,
	}
}

// Verify 校验 timestamp/token/signature 三元组。
//
// 拒绝条件：任一字段缺失、时间戳偏移超过重放窗口、摘要不匹配。
// 未配置签名密钥时告警放行——这是刻意保留的运维逃生通道，
// 生产配置必须关闭（见 config.Validate）。
func (v *RouteVerifier) Verify(timestamp, token, signature string) error {
	if v.signingKey == "" {
		v.log.Warn("route signature verification disabled (no signing key configured); do not run this in production")
		return nil
	}

	if timestamp == "" || token == "" || signature == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMissingSignature)
	}
	drift := v.now().UTC().Sub(time.Unix(ts, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > replayWindow {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(v.signingKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// DirectVerifier 验证直连测试通道的静态共享密钥
type DirectVerifier struct {
	secret string
}

// NewDirectVerifier 创建直连通道验证器
func NewDirectVerifier(secret string) *DirectVerifier {
	return &DirectVerifier{secret: secret}
}

// Verify 恒定时间比较请求头携带的密钥。
//
// 未配置密钥时直连通道整体关闭（永远拒绝）。
func (v *DirectVerifier) Verify(provided string) error {
	if v.secret == "" || provided == "" {
		return ErrBadSecret
	}
	if subtle.ConstantTimeCompare([]byte(v.secret), []byte(provided)) != 1 {
		return ErrBadSecret
	}
	return nil
}
