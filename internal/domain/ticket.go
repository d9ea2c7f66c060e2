package domain

import (
	"context"
	"time"
)

// Ticket 表示一张支持工单（参考实现用的最小模型）。
//
// 工单的完整生命周期管理不在本子系统范围内；这里只保留
// 邮件接入管道创建工单和追加回复所需的字段。
type Ticket struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	TenantID       uint      `json:"tenantId" gorm:"index;not null"`
	Subject        string    `json:"subject" gorm:"type:varchar(500)"`
	RequesterEmail string    `json:"requesterEmail" gorm:"type:varchar(255);index"`
	RequesterName  string    `json:"requesterName,omitempty" gorm:"type:varchar(255)"`
	ServiceID      *uint     `json:"serviceId,omitempty"`
	PriorityID     *uint     `json:"priorityId,omitempty"`
	ClientID       *uint     `json:"clientId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TicketArticle 表示工单内的一条往来消息
type TicketArticle struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TicketID  uint      `json:"ticketId" gorm:"index;not null"`
	From      string    `json:"from" gorm:"type:varchar(255)"`
	FromName  string    `json:"fromName,omitempty" gorm:"type:varchar(255)"`
	BodyText  string    `json:"bodyText,omitempty" gorm:"type:text"`
	BodyHTML  string    `json:"bodyHtml,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt"`
}

// TicketService 是工单系统协作方的抽象。
//
// 邮件接入管道只消费这两个写路径；具体实现可以是本仓库的
// 参考实现（service 包），也可以是对真实工单系统的 RPC 封装。
type TicketService interface {
	// CreateTicketFromEmail 为指定租户创建新工单，返回工单ID
	CreateTicketFromEmail(ctx context.Context, tenant *Tenant, email *ParsedEmail) (uint, error)

	// AppendReplyToTicket 将回复追加到既有工单，返回目标工单ID。
	// tenantSlug 仅作提示，可能为空（主题标签策略无法解析租户）。
	AppendReplyToTicket(ctx context.Context, ticketID uint, tenantSlug string, from string, email *ParsedEmail) (uint, error)
}
