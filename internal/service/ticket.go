package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskmail/backend/internal/domain"
)

var (
	ErrTenantRequired = errors.New("tenant required")
	ErrTicketNotFound = errors.New("ticket not found")
)

// maxSubjectLength 是工单主题的最大长度，超出部分截断
const maxSubjectLength = 500

// TicketService 是 domain.TicketService 的参考实现。
//
// 真实部署中这一层通常是对外部工单系统的 RPC 封装；
// 本实现直接写本地存储，供开发和测试使用。
type TicketService struct {
	store domain.Store
}

// NewTicketService 创建工单服务
func NewTicketService(store domain.Store) *TicketService {
	return &TicketService{store: store}
}

// CreateTicketFromEmail 为指定租户创建新工单并写入首条消息。
//
// 工单的服务/优先级/客户取租户目录里配置的默认值。
func (s *TicketService) CreateTicketFromEmail(ctx context.Context, tenant *domain.Tenant, email *domain.ParsedEmail) (uint, error) {
	if tenant == nil {
		return 0, ErrTenantRequired
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	ticket := &domain.Ticket{
		TenantID:       tenant.ID,
		Subject:        normalizeSubject(email.Subject),
		RequesterEmail: email.From,
		RequesterName:  email.FromName,
		ServiceID:      tenant.DefaultServiceID,
		PriorityID:     tenant.DefaultPriorityID,
		ClientID:       tenant.DefaultClientID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateTicket(ticket); err != nil {
		return 0, fmt.Errorf("failed to create ticket: %w", err)
	}

	article := articleFromEmail(ticket.ID, email, now)
	if err := s.store.AppendArticle(article); err != nil {
		return 0, fmt.Errorf("failed to append first article: %w", err)
	}

	return ticket.ID, nil
}

// AppendReplyToTicket 将回复追加到既有工单。
//
// tenantSlug 仅作提示；目标工单以 ticketID 为准，不存在时返回错误。
func (s *TicketService) AppendReplyToTicket(ctx context.Context, ticketID uint, tenantSlug string, from string, email *domain.ParsedEmail) (uint, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ticket, err := s.store.GetTicket(ticketID)
	if err != nil {
		return 0, fmt.Errorf("failed to load ticket %d: %w", ticketID, err)
	}
	if ticket == nil {
		return 0, fmt.Errorf("%w: %d", ErrTicketNotFound, ticketID)
	}

	now := time.Now().UTC()
	article := articleFromEmail(ticket.ID, email, now)
	if from != "" {
		article.From = from
	}
	if err := s.store.AppendArticle(article); err != nil {
		return 0, fmt.Errorf("failed to append reply: %w", err)
	}

	return ticket.ID, nil
}

// articleFromEmail 从解析结果构建工单消息
func articleFromEmail(ticketID uint, email *domain.ParsedEmail, now time.Time) *domain.TicketArticle {
	return &domain.TicketArticle{
		TicketID:  ticketID,
		From:      email.From,
		FromName:  email.FromName,
		BodyText:  email.BodyText,
		BodyHTML:  email.BodyHTML,
		CreatedAt: now,
	}
}

// normalizeSubject 清理并截断主题
func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "(no subject)"
	}
	if len(subject) > maxSubjectLength {
		subject = subject[:maxSubjectLength]
	}
	return subject
}
