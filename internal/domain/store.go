package domain

// Store 聚合邮件接入管道依赖的所有存储接口
type Store interface {
	// ========== EmailRecord Repository ==========
	SaveEmailRecord(record *EmailRecord) error
	GetEmailRecordByMessageID(messageID string) (*EmailRecord, error)
	UpdateEmailRecord(record *EmailRecord) error
	ListEmailRecordsByStatus(status EmailStatus, limit int) ([]EmailRecord, error)

	// ========== Tenant Directory（只读） ==========
	GetTenantBySlug(slug string) (*Tenant, error)
	GetTenantByEmailCode(code string) (*Tenant, error)
	GetTenantByID(id uint) (*Tenant, error)

	// ========== ReplyThreadToken Repository ==========
	SaveThreadToken(token *ReplyThreadToken) error
	// RecentThreadToken 在给定的归一化消息标识中查找最近一条外发记录，
	// 无匹配时返回 (nil, nil)
	RecentThreadToken(messageIDs []string) (*ReplyThreadToken, error)

	// ========== Ticket Repository（参考协作方实现使用） ==========
	CreateTicket(ticket *Ticket) error
	GetTicket(id uint) (*Ticket, error)
	AppendArticle(article *TicketArticle) error

	// ========== 运维 ==========
	Health() error
	Close() error
}
