package domain

import "time"

// ReplyThreadToken 记录一封系统外发通知邮件的消息标识。
//
// 外发侧（工单系统）每发出一封通知就写入一条；接入管道只读，
// 用于把入站回复的 In-Reply-To / References 头匹配回原工单。
type ReplyThreadToken struct {
	ID                string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TicketID          uint      `json:"ticketId" gorm:"index;not null"`
	TenantSlug        string    `json:"tenantSlug" gorm:"type:varchar(100)"`
	OutboundMessageID string    `json:"outboundMessageId" gorm:"type:varchar(255);index;not null"` // 归一化后的外发 Message-Id
	SentAt            time.Time `json:"sentAt" gorm:"index"`
}
