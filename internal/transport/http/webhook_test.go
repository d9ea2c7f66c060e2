package httptransport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deskmail/backend/internal/config"
	"deskmail/backend/internal/domain"
	"deskmail/backend/internal/health"
	"deskmail/backend/internal/ingest"
	"deskmail/backend/internal/pool"
	"deskmail/backend/internal/service"
	"deskmail/backend/internal/storage/memory"
)

const (
	testTopic       = "topic:inbound-mail"
	testRouteKey    = "route-signing-key"
	testDirect      = "direct-secret"
	testDomain      = "inbound.example.com"
	testReplySecret = "reply-secret"
)

// newTestRouter 组装带内存后端的完整路由
func newTestRouter(t *testing.T) (*gin.Engine, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	store := memory.NewStore()
	store.AddTenant(&domain.Tenant{ID: 1, Slug: "acme", Name: "Acme Corp", IsActive: true})

	cfg := &config.Config{
		Ingest: config.IngestConfig{
			PushTopic:       testTopic,
			RouteSigningKey: testRouteKey,
			DirectSecret:    testDirect,
			InboundDomain:   testDomain,
			ReplySecret:     testReplySecret,
			DedupTTL:        48 * time.Hour,
			LockWait:        time.Second,
			LockTTL:         time.Minute,
			WorkerAttempts:  3,
			AttemptTimeout:  time.Second,
			Workers:         2,
			QueueSize:       32,
			MaxBodySize:     1 << 20,
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	resolver := ingest.NewResolver(store, cfg.Ingest.InboundDomain, cfg.Ingest.ReplySecret, log)
	gate := ingest.NewGate(memory.NewDedupCache(), cfg.Ingest.DedupTTL)
	workerPool := pool.NewWorkerPool(cfg.Ingest.Workers, cfg.Ingest.QueueSize, log)
	workerPool.Start(context.Background())
	t.Cleanup(workerPool.Stop)

	pipeline := ingest.NewPipeline(
		store,
		service.NewTicketService(store),
		resolver,
		gate,
		memory.NewLocker(),
		workerPool,
		nil,
		cfg.Ingest,
		log,
	)

	router := NewRouter(RouterDependencies{
		Config:         cfg,
		Pipeline:       pipeline,
		PushVerifier:   ingest.NewPushVerifier(cfg.Ingest.PushTopic, log),
		RouteVerifier:  ingest.NewRouteVerifier(cfg.Ingest.RouteSigningKey, log),
		DirectVerifier: ingest.NewDirectVerifier(cfg.Ingest.DirectSecret),
		HealthChecker:  health.NewHealthChecker(store, nil, log),
		Metrics:        nil,
		Logger:         log,
	})
	return router, store
}

// signRoute 按路由中继的算法计算签名
func signRoute(timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(testRouteKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// postRouteForm 发送签名的表单请求
func postRouteForm(router *gin.Engine, fields map[string]string) *httptest.ResponseRecorder {
	form := url.Values{}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	form.Set("timestamp", ts)
	form.Set("token", "tok-123")
	form.Set("signature", signRoute(ts, "tok-123"))
	for k, v := range fields {
		form.Set(k, v)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/route/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["status"]
}

// waitProcessed 等待后台 worker 把档案推进到终态
func waitProcessed(t *testing.T, store *memory.Store, messageID string) *domain.EmailRecord {
	t.Helper()
	var record *domain.EmailRecord
	require.Eventually(t, func() bool {
		record, _ = store.GetEmailRecordByMessageID(messageID)
		return record != nil && record.IsProcessed()
	}, 3*time.Second, 10*time.Millisecond, "record %s never reached processed", messageID)
	return record
}

func TestRouteWebhook_NewTicket(t *testing.T) {
	router, store := newTestRouter(t)

	w := postRouteForm(router, map[string]string{
		"recipient":  "acme@" + testDomain,
		"sender":     "customer@example.com",
		"subject":    "打印机故障",
		"body-plain": "无法打印任何文件",
		"Message-Id": "<route-1@mail.example.com>",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeStatus(t, w))

	record := waitProcessed(t, store, "route-1@mail.example.com")
	require.NotNil(t, record.TicketID)

	ticket, err := store.GetTicket(*record.TicketID)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, uint(1), ticket.TenantID)
	assert.Equal(t, "打印机故障", ticket.Subject)
}

func TestRouteWebhook_BadSignature(t *testing.T) {
	router, _ := newTestRouter(t)

	form := url.Values{}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	form.Set("timestamp", ts)
	form.Set("token", "tok-123")
	form.Set("signature", "deadbeef")
	form.Set("recipient", "acme@"+testDomain)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/route/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouteWebhook_StaleTimestamp(t *testing.T) {
	router, _ := newTestRouter(t)

	form := url.Values{}
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	form.Set("timestamp", ts)
	form.Set("token", "tok-123")
	form.Set("signature", signRoute(ts, "tok-123"))
	form.Set("recipient", "acme@"+testDomain)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/route/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouteWebhook_DuplicateDelivery(t *testing.T) {
	router, store := newTestRouter(t)

	fields := map[string]string{
		"recipient":  "acme@" + testDomain,
		"sender":     "customer@example.com",
		"subject":    "重复投递",
		"body-plain": "内容",
		"Message-Id": "<dup-1@mail.example.com>",
	}

	first := postRouteForm(router, fields)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "ok", decodeStatus(t, first))
	waitProcessed(t, store, "dup-1@mail.example.com")

	second := postRouteForm(router, fields)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "duplicate", decodeStatus(t, second))

	// 第二次投递不产生第二张工单
	ticket2, err := store.GetTicket(2)
	require.NoError(t, err)
	assert.Nil(t, ticket2)
}

func TestRouteWebhook_Unresolvable(t *testing.T) {
	router, _ := newTestRouter(t)

	w := postRouteForm(router, map[string]string{
		"recipient":  "nobody@elsewhere.example.com",
		"sender":     "customer@example.com",
		"subject":    "没有任何归属线索",
		"body-plain": "内容",
		"Message-Id": "<lost-1@mail.example.com>",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeStatus(t, w))
}

func TestRouteWebhook_SignedReplyBeatsSubjectTag(t *testing.T) {
	router, store := newTestRouter(t)

	ticket := &domain.Ticket{TenantID: 1, Subject: "原始工单"}
	require.NoError(t, store.CreateTicket(ticket))

	mac := hmac.New(sha256.New, []byte(testReplySecret))
	fmt.Fprintf(mac, "acme|%d", ticket.ID)
	digest := hex.EncodeToString(mac.Sum(nil))
	suffix := digest[10:16]

	w := postRouteForm(router, map[string]string{
		"recipient":  fmt.Sprintf("reply+tkt.acme.%d.%s@%s", ticket.ID, suffix, testDomain),
		"sender":     "customer@example.com",
		"subject":    "Re: 原始工单 [TKT-999]",
		"body-plain": "补充信息",
		"Message-Id": "<reply-1@mail.example.com>",
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decodeStatus(t, w))

	record := waitProcessed(t, store, "reply-1@mail.example.com")
	require.NotNil(t, record.TicketID)
	// 签名回复地址（策略2）胜过主题标签（策略4）里的 999
	assert.Equal(t, ticket.ID, *record.TicketID)

	articles := store.ArticlesForTicket(ticket.ID)
	require.Len(t, articles, 1)
	assert.Equal(t, "补充信息", articles[0].BodyText)
}

func TestRouteWebhook_HeaderFallback(t *testing.T) {
	router, store := newTestRouter(t)

	headers, err := json.Marshal([][2]string{
		{"Message-Id", "<hdr-1@mail.example.com>"},
		{"Subject", "来自头数组的主题"},
	})
	require.NoError(t, err)

	w := postRouteForm(router, map[string]string{
		"recipient":       "acme@" + testDomain,
		"sender":          "customer@example.com",
		"body-plain":      "内容",
		"message-headers": string(headers),
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decodeStatus(t, w))

	record := waitProcessed(t, store, "hdr-1@mail.example.com")
	assert.Equal(t, "来自头数组的主题", record.Subject)
}

func TestPushWebhook_Notification(t *testing.T) {
	router, store := newTestRouter(t)

	rawMime := "From: \"Customer\" <customer@example.com>\r\n" +
		"To: acme@" + testDomain + "\r\n" +
		"Subject: VPN access\r\n" +
		"Message-Id: <push-1@mail.example.com>\r\n" +
		"\r\n" +
		"Please grant VPN access.\r\n"

	inner, err := json.Marshal(map[string]interface{}{
		"content":   rawMime,
		"objectKey": "inbound/push-1",
		"mail": map[string]interface{}{
			"messageId": "push-1@mail.example.com",
		},
	})
	require.NoError(t, err)

	envelope, err := json.Marshal(map[string]string{
		"topicId": testTopic,
		"message": string(inner),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/push/inbound", strings.NewReader(string(envelope)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPushMessageType, msgTypeNotification)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeStatus(t, w))

	record := waitProcessed(t, store, "push-1@mail.example.com")
	assert.Equal(t, "inbound/push-1", record.RelayObjectKey)
	require.NotNil(t, record.TicketID)
}

func TestPushWebhook_TopicMismatch(t *testing.T) {
	router, _ := newTestRouter(t)

	envelope, _ := json.Marshal(map[string]string{
		"topicId": "topic:someone-else",
		"message": "{}",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/push/inbound", strings.NewReader(string(envelope)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPushMessageType, msgTypeNotification)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPushWebhook_MalformedEnvelopeAcknowledged(t *testing.T) {
	router, _ := newTestRouter(t)

	// 坏载荷也必须回 200：4xx 会让中继永远重投同一份坏数据
	req := httptest.NewRequest(http.MethodPost, "/webhooks/push/inbound", strings.NewReader("this is not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPushMessageType, msgTypeNotification)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeStatus(t, w))
}

func TestPushWebhook_SubscriptionConfirmation(t *testing.T) {
	router, _ := newTestRouter(t)

	confirmed := false
	confirmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		confirmed = true
		w.WriteHeader(http.StatusOK)
	}))
	defer confirmServer.Close()

	envelope, _ := json.Marshal(map[string]string{
		"topicId":    testTopic,
		"confirmUrl": confirmServer.URL,
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/push/inbound", strings.NewReader(string(envelope)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPushMessageType, msgTypeSubscriptionConfirmation)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, confirmed, "confirmation URL was never visited")
}

func TestPushWebhook_Direct(t *testing.T) {
	router, store := newTestRouter(t)

	t.Run("正常投递", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]string{
			"from":      "customer@example.com",
			"to":        "acme@" + testDomain,
			"subject":   "direct test",
			"text":      "hello",
			"messageId": "<direct-1@mail.example.com>",
		})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/push/inbound", strings.NewReader(string(payload)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerIngestSecret, testDirect)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decodeStatus(t, w))
		waitProcessed(t, store, "direct-1@mail.example.com")
	})

	t.Run("密钥错误", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/push/inbound", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerIngestSecret, "wrong-secret")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("缺少必填字段", func(t *testing.T) {
		payload := `{"subject": "no addresses"}`
		req := httptest.NewRequest(http.MethodPost, "/webhooks/push/inbound", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerIngestSecret, testDirect)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "OK", body["store"])
}
