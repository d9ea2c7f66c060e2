package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。
//
// 所有 Record* 方法对 nil 接收者安全：不需要指标的调用方
// （主要是测试）直接传 nil 即可。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 接入管道指标
	EmailsReceived  *prometheus.CounterVec
	EmailsDuplicate *prometheus.CounterVec
	EmailsIgnored   *prometheus.CounterVec
	EmailsProcessed *prometheus.CounterVec
	EmailsFailed    prometheus.Counter
	ProcessingTime  prometheus.Histogram

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标。
//
// promauto 注册到默认 registry，进程内只能调用一次。
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		EmailsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskmail_emails_received_total",
				Help: "Inbound emails received, by ingress source",
			},
			[]string{"source"},
		),

		EmailsDuplicate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskmail_emails_duplicate_total",
				Help: "Inbound emails suppressed by the idempotency gate",
			},
			[]string{"source"},
		),

		EmailsIgnored: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskmail_emails_ignored_total",
				Help: "Inbound emails acknowledged but not resolvable to a tenant or ticket",
			},
			[]string{"source"},
		),

		EmailsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskmail_emails_processed_total",
				Help: "Inbound emails fully processed, by resolution kind",
			},
			[]string{"kind"},
		),

		EmailsFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "deskmail_emails_failed_total",
				Help: "Inbound emails that exhausted processing retries",
			},
		),

		ProcessingTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "deskmail_email_processing_seconds",
				Help:    "Worker processing duration per email",
				Buckets: prometheus.DefBuckets,
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskmail_errors_total",
				Help: "Total errors by type and component",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "deskmail_panics_total",
				Help: "Total recovered panics",
			},
		),
	}
}

// HTTPHandler 返回 Prometheus 指标端点处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEmailReceived 记录一封入站邮件
func (m *Metrics) RecordEmailReceived(source string) {
	if m == nil {
		return
	}
	m.EmailsReceived.WithLabelValues(source).Inc()
}

// RecordEmailDuplicate 记录一次被幂等门拦下的重复投递
func (m *Metrics) RecordEmailDuplicate(source string) {
	if m == nil {
		return
	}
	m.EmailsDuplicate.WithLabelValues(source).Inc()
}

// RecordEmailIgnored 记录一封无法归属的邮件
func (m *Metrics) RecordEmailIgnored(source string) {
	if m == nil {
		return
	}
	m.EmailsIgnored.WithLabelValues(source).Inc()
}

// RecordEmailProcessed 记录一封处理成功的邮件
func (m *Metrics) RecordEmailProcessed(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EmailsProcessed.WithLabelValues(kind).Inc()
	m.ProcessingTime.Observe(duration.Seconds())
}

// RecordEmailFailed 记录一封重试耗尽的邮件
func (m *Metrics) RecordEmailFailed() {
	if m == nil {
		return
	}
	m.EmailsFailed.Inc()
}

// RecordError 记录一次组件错误
func (m *Metrics) RecordError(errType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errType, component).Inc()
}

// RecordPanic 记录一次被恢复的 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}
