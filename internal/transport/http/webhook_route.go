package httptransport

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deskmail/backend/internal/ingest"
)

// RouteWebhookHandler 处理路由中继（Relay-B）的入站通知。
//
// 请求是签名的表单载荷：timestamp/token/signature 三元组验证真实性，
// 邮件字段展平在表单里，部分头可能只出现在 message-headers 数组中。
type RouteWebhookHandler struct {
	verifier *ingest.RouteVerifier
	pipeline *ingest.Pipeline
	log      *zap.Logger
}

// NewRouteWebhookHandler 创建路由中继处理器
func NewRouteWebhookHandler(verifier *ingest.RouteVerifier, pipeline *ingest.Pipeline, log *zap.Logger) *RouteWebhookHandler {
	return &RouteWebhookHandler{
		verifier: verifier,
		pipeline: pipeline,
		log:      log,
	}
}

// HandleInbound 处理 POST /webhooks/route/inbound
func (h *RouteWebhookHandler) HandleInbound(c *gin.Context) {
	timestamp := c.PostForm("timestamp")
	token := c.PostForm("token")
	signature := c.PostForm("signature")

	if err := h.verifier.Verify(timestamp, token, signature); err != nil {
		h.log.Warn("route webhook rejected", zap.Error(err))
		Unauthorized(c, "invalid signature")
		return
	}

	headers := parseMessageHeaders(c.PostForm("message-headers"))
	payload := map[string]interface{}{
		"from":       c.PostForm("sender"),
		"to":         strings.Split(c.PostForm("recipient"), ","),
		"subject":    formOrHeader(c, headers, "subject", "Subject"),
		"text":       c.PostForm("body-plain"),
		"html":       c.PostForm("body-html"),
		"messageId":  formOrHeader(c, headers, "Message-Id", "Message-Id"),
		"inReplyTo":  formOrHeader(c, headers, "In-Reply-To", "In-Reply-To"),
		"references": formOrHeader(c, headers, "References", "References"),
	}

	raw, _ := json.Marshal(payload)

	outcome, err := h.pipeline.Accept(c.Request.Context(), &ingest.InboundEmail{
		RawPayload: raw,
		ReceivedAt: time.Now().UTC(),
		Source:     "route",
	})
	if err != nil {
		h.log.Error("route ingest persistence failed", zap.Error(err))
	}
	Outcome(c, string(outcome))
}

// formOrHeader 优先取展平的表单字段，缺失时回退到 message-headers
func formOrHeader(c *gin.Context, headers map[string]string, formKey, headerName string) string {
	if v := c.PostForm(formKey); v != "" {
		return v
	}
	return headers[strings.ToLower(headerName)]
}

// parseMessageHeaders 解析 message-headers 字段：
// JSON 数组，每个元素是 [name, value] 二元组。键统一小写。
func parseMessageHeaders(value string) map[string]string {
	headers := make(map[string]string)
	if value == "" {
		return headers
	}

	var pairs [][2]json.RawMessage
	if err := json.Unmarshal([]byte(value), &pairs); err != nil {
		return headers
	}

	for _, pair := range pairs {
		var name, val string
		if err := json.Unmarshal(pair[0], &name); err != nil {
			continue
		}
		// 值偶尔不是字符串（数组或对象），保留原始 JSON 文本
		if err := json.Unmarshal(pair[1], &val); err != nil {
			val = string(pair[1])
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if _, exists := headers[key]; !exists {
			headers[key] = val
		}
	}
	return headers
}
