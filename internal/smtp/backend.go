package smtp

import (
	"context"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"deskmail/backend/internal/ingest"
	"deskmail/backend/internal/mailparse"
)

// maxMessageSize 单封邮件的最大字节数
const maxMessageSize = 25 << 20 // 25MB

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 入口（Receiving-Only），作为
// webhook 中继之外的直连通道：
//   - 只接受发往本系统收件域的邮件
//   - 不支持对外发送，不会成为开放中继
//   - 收到的邮件交给与 webhook 相同的接入管道处理
type Backend struct {
	pipeline      *ingest.Pipeline
	inboundDomain string
	limiter       *ConnectionLimiter
	log           *zap.Logger
}

// NewBackend 创建 SMTP Backend
func NewBackend(pipeline *ingest.Pipeline, inboundDomain string, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	return &Backend{
		pipeline:      pipeline,
		inboundDomain: strings.ToLower(strings.TrimSpace(inboundDomain)),
		limiter:       limiter,
		log:           log,
	}
}

// NewSession 创建新的 SMTP 会话
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	accepted    bool
	released    bool
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 只接受发往配置的收件域的地址，其余一律 550 拒绝。
// 地址能否归属到租户或工单在 Data 阶段由解析链判断。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := strings.ToLower(strings.Trim(strings.TrimSpace(to), "<>"))

	recipientDomain := mailparse.Domain(addr)
	if recipientDomain == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if s.backend.inboundDomain == "" || recipientDomain != s.backend.inboundDomain {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	s.accepted = true
	return nil
}

// Data 处理邮件内容。
//
// 原始字节流交给接入管道；归属失败的邮件回 550，
// 让发件方知道地址无效而不是静默丢弃。
func (s *session) Data(r io.Reader) error {
	if !s.accepted {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	rawBytes, err := io.ReadAll(io.LimitReader(r, maxMessageSize))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := s.backend.pipeline.Accept(ctx, &ingest.InboundEmail{
		RawPayload: rawBytes,
		ReceivedAt: time.Now().UTC(),
		Source:     "smtp",
	})
	if err != nil {
		s.backend.log.Error("smtp ingest failed", zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary processing failure, try again later",
		}
	}

	if outcome == ingest.OutcomeIgnored {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient not recognized",
		}
	}

	return nil
}

// AuthPlain 处理 PLAIN 认证（允许匿名，入站验证靠收件域）
func (s *session) AuthPlain(username, password string) error {
	return nil
}

// Reset 重置状态
func (s *session) Reset() {
	s.fromAddress = ""
	s.accepted = false
}

// Logout 会话结束，释放连接配额
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

// NewServer 按配置组装 go-smtp 服务器
func NewServer(backend *Backend, bindAddr, domain string) *gosmtp.Server {
	srv := gosmtp.NewServer(backend)
	srv.Addr = bindAddr
	srv.Domain = domain
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.MaxMessageBytes = maxMessageSize
	srv.MaxRecipients = 50
	srv.AllowInsecureAuth = true
	return srv
}
