package httptransport

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deskmail/backend/internal/ingest"
)

const (
	// headerPushMessageType 是推送中继的消息类型头
	headerPushMessageType = "X-Push-Message-Type"

	// headerIngestSecret 携带直连测试通道的共享密钥
	headerIngestSecret = "X-Ingest-Secret"

	msgTypeSubscriptionConfirmation = "SubscriptionConfirmation"
	msgTypeNotification             = "Notification"
	msgTypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// pushEnvelope 是推送中继（Relay-A）的通知外壳
type pushEnvelope struct {
	Type       string `json:"type"`
	TopicID    string `json:"topicId"`
	ConfirmURL string `json:"confirmUrl"`
	Message    string `json:"message"` // 通知类型时为内层 JSON 字符串
}

// pushNotification 是通知外壳内层的消息结构
type pushNotification struct {
	Content   string `json:"content"` // 原始 MIME，base64 或明文
	ObjectKey string `json:"objectKey"`
	Mail      struct {
		MessageID     string   `json:"messageId"`
		Source        string   `json:"source"`
		Destination   []string `json:"destination"`
		CommonHeaders struct {
			Subject string `json:"subject"`
		} `json:"commonHeaders"`
	} `json:"mail"`
}

// directPayload 是直连测试通道的载荷
type directPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	MessageID string `json:"messageId"`
}

// PushWebhookHandler 处理推送中继（Relay-A）的入站通知。
//
// 契约：除真实性失败（401）和直连通道校验失败（422）外一律回 200，
// 处理异常不外泄给中继——避免触发上游的自动重试风暴，
// 真实结果通过处理档案的状态观察。
type PushWebhookHandler struct {
	verifier *ingest.PushVerifier
	direct   *ingest.DirectVerifier
	pipeline *ingest.Pipeline
	log      *zap.Logger
}

// NewPushWebhookHandler 创建推送中继处理器
func NewPushWebhookHandler(verifier *ingest.PushVerifier, direct *ingest.DirectVerifier, pipeline *ingest.Pipeline, log *zap.Logger) *PushWebhookHandler {
	return &PushWebhookHandler{
		verifier: verifier,
		direct:   direct,
		pipeline: pipeline,
		log:      log,
	}
}

// HandleInbound 处理 POST /webhooks/push/inbound
func (h *PushWebhookHandler) HandleInbound(c *gin.Context) {
	if secret := c.GetHeader(headerIngestSecret); secret != "" {
		h.handleDirect(c, secret)
		return
	}

	// 读不出或解不开外壳也要确认：回 4xx 只会让中继永远重投同一份坏载荷
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warn("unreadable push request body, acknowledged", zap.Error(err))
		Outcome(c, string(ingest.OutcomeIgnored))
		return
	}

	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.log.Warn("malformed push notification envelope, acknowledged", zap.Error(err))
		Outcome(c, string(ingest.OutcomeIgnored))
		return
	}

	msgType := c.GetHeader(headerPushMessageType)
	if msgType == "" {
		msgType = envelope.Type
	}

	switch msgType {
	case msgTypeSubscriptionConfirmation:
		h.handleSubscriptionConfirmation(c, &envelope)
	case msgTypeUnsubscribeConfirmation:
		h.log.Info("push relay unsubscribe confirmation received", zap.String("topic", envelope.TopicID))
		Outcome(c, string(ingest.OutcomeAccepted))
	default:
		h.handleNotification(c, &envelope)
	}
}

// handleSubscriptionConfirmation 完成一次性的订阅握手
func (h *PushWebhookHandler) handleSubscriptionConfirmation(c *gin.Context, envelope *pushEnvelope) {
	if err := h.verifier.VerifyTopic(envelope.TopicID); err != nil {
		Unauthorized(c, "topic mismatch")
		return
	}

	if err := h.verifier.ConfirmSubscription(c.Request.Context(), envelope.ConfirmURL); err != nil {
		// 握手失败只记日志：中继会重发确认请求
		h.log.Error("subscription confirmation failed", zap.Error(err))
	}
	Outcome(c, string(ingest.OutcomeAccepted))
}

// handleNotification 处理稳态的邮件通知
func (h *PushWebhookHandler) handleNotification(c *gin.Context, envelope *pushEnvelope) {
	if err := h.verifier.VerifyTopic(envelope.TopicID); err != nil {
		Unauthorized(c, "topic mismatch")
		return
	}

	var notification pushNotification
	if err := json.Unmarshal([]byte(envelope.Message), &notification); err != nil {
		h.log.Warn("malformed push notification message, acknowledged", zap.Error(err))
		Outcome(c, string(ingest.OutcomeIgnored))
		return
	}

	raw := notificationPayload(&notification)
	outcome, err := h.pipeline.Accept(c.Request.Context(), &ingest.InboundEmail{
		RawPayload:     raw,
		RelayObjectKey: notification.ObjectKey,
		ReceivedAt:     time.Now().UTC(),
		Source:         "push",
	})
	if err != nil {
		// 已接受但落库失败：回 200 阻断中继重试，worker 在锁内补建档案
		h.log.Error("push ingest persistence failed", zap.Error(err))
	}
	Outcome(c, string(outcome))
}

// notificationPayload 提取通知中的原始邮件内容。
//
// content 字段可能是 base64 或明文 MIME；两者都缺失时
// 用通知自带的元数据合成预结构化 JSON 载荷。
func notificationPayload(n *pushNotification) []byte {
	if n.Content != "" {
		if decoded, err := base64.StdEncoding.DecodeString(n.Content); err == nil {
			return decoded
		}
		return []byte(n.Content)
	}

	synthetic := map[string]interface{}{
		"from":      n.Mail.Source,
		"to":        n.Mail.Destination,
		"subject":   n.Mail.CommonHeaders.Subject,
		"messageId": n.Mail.MessageID,
	}
	raw, _ := json.Marshal(synthetic)
	return raw
}

// handleDirect 处理直连测试通道的投递
func (h *PushWebhookHandler) handleDirect(c *gin.Context, secret string) {
	if err := h.direct.Verify(secret); err != nil {
		Unauthorized(c, "bad ingest secret")
		return
	}

	var payload directPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		UnprocessableEntity(c, "malformed payload")
		return
	}
	if payload.From == "" || payload.To == "" {
		UnprocessableEntity(c, "from and to are required")
		return
	}

	raw, _ := json.Marshal(payload)
	outcome, err := h.pipeline.Accept(c.Request.Context(), &ingest.InboundEmail{
		RawPayload: raw,
		ReceivedAt: time.Now().UTC(),
		Source:     "direct",
	})
	if err != nil {
		h.log.Error("direct ingest persistence failed", zap.Error(err))
	}
	Outcome(c, string(outcome))
}
