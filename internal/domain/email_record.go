package domain

import (
	"strings"
	"time"
)

// EmailStatus 表示一封入站邮件的处理状态
type EmailStatus string

const (
	EmailStatusQueued    EmailStatus = "queued"    // 已接收，等待后台处理
	EmailStatusProcessed EmailStatus = "processed" // 处理完成，工单已创建或已追加回复
	EmailStatusFailed    EmailStatus = "failed"    // 重试耗尽后的终态失败
)

// EmailRecord 表示一封物理接收到的入站邮件的处理档案。
//
// 每条逻辑消息（按归一化 Message-Id 去重）只对应一条记录；
// 同一消息的多次 webhook 投递必须落到同一条记录上。
// 记录由接入层创建（status=queued），此后只由后台 worker 修改，
// 本子系统永远不会删除它。
type EmailRecord struct {
	ID             string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID       *uint       `json:"tenantId,omitempty" gorm:"index"`                       // 解析出的租户，可能为空
	TicketID       *uint       `json:"ticketId,omitempty" gorm:"index"`                       // 处理成功后回填的工单ID
	MessageID      string      `json:"messageId" gorm:"type:varchar(255);uniqueIndex;not null"` // 归一化后的消息标识（去重键）
	From           string      `json:"from" gorm:"type:varchar(255)"`
	To             string      `json:"to,omitempty" gorm:"type:varchar(255)"`
	Subject        string      `json:"subject" gorm:"type:varchar(500)"`
	RawPayload     string      `json:"rawPayload,omitempty" gorm:"type:text"`        // 原始载荷（JSON 或 MIME），用于重放
	RelayObjectKey string      `json:"relayObjectKey,omitempty" gorm:"type:varchar(500)"` // 中继侧对象存储指针，可选
	Status         EmailStatus `json:"status" gorm:"type:varchar(20);index;not null"`
	ErrorMessage   string      `json:"errorMessage,omitempty" gorm:"type:text"`
	ReceivedAt     time.Time   `json:"receivedAt"`
}

// IsProcessed 判断记录是否已处理完成
func (r *EmailRecord) IsProcessed() bool {
	return r.Status == EmailStatusProcessed
}

// IsFailed 判断记录是否处于失败状态
//
// 失败记录允许被同一消息的后续投递重新处理。
func (r *EmailRecord) IsFailed() bool {
	return r.Status == EmailStatusFailed
}

// MarkProcessed 将记录置为处理完成并回填工单ID
func (r *EmailRecord) MarkProcessed(ticketID uint) {
	r.Status = EmailStatusProcessed
	r.TicketID = &ticketID
	r.ErrorMessage = ""
}

// MarkFailed 将记录置为失败并记录终态错误信息
func (r *EmailRecord) MarkFailed(errMsg string) {
	r.Status = EmailStatusFailed
	r.ErrorMessage = errMsg
}

// NormalizeMessageID 归一化消息标识：去除尖括号和首尾空白，统一小写。
//
// "<ABC@mail.example>" 与 "abc@mail.example" 归一化后相同，
// 保证两次投递命中同一条 EmailRecord。
func NormalizeMessageID(messageID string) string {
	id := strings.TrimSpace(messageID)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}
