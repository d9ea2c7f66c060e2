package domain

// ResolutionKind 表示租户/工单解析链的结论类型
type ResolutionKind string

const (
	ResolveNewTicket   ResolutionKind = "new_ticket"   // 为某租户创建新工单
	ResolveAppendReply ResolutionKind = "append_reply" // 追加回复到既有工单
	ResolveUnmatched   ResolutionKind = "unmatched"    // 无法归属，确认后忽略
)

// Resolution 是解析链的带标签结果。
//
// 用显式的变体标签代替"到处可空"的字段组合：
// NewTicket 时 Tenant 非空；AppendReply 时 TicketID 非零，
// TenantSlug 可能为空（主题标签策略解析不出租户）。
type Resolution struct {
	Kind       ResolutionKind `json:"kind"`
	Tenant     *Tenant        `json:"tenant,omitempty"`
	TicketID   uint           `json:"ticketId,omitempty"`
	TenantSlug string         `json:"tenantSlug,omitempty"`
	Strategy   string         `json:"strategy,omitempty"` // 命中的策略名，用于日志与指标
}

// NewTicketResolution 构造"新建工单"结论
func NewTicketResolution(tenant *Tenant, strategy string) Resolution {
	return Resolution{Kind: ResolveNewTicket, Tenant: tenant, Strategy: strategy}
}

// AppendReplyResolution 构造"追加回复"结论
func AppendReplyResolution(ticketID uint, tenantSlug, strategy string) Resolution {
	return Resolution{Kind: ResolveAppendReply, TicketID: ticketID, TenantSlug: tenantSlug, Strategy: strategy}
}

// UnmatchedResolution 构造"无法归属"结论
func UnmatchedResolution() Resolution {
	return Resolution{Kind: ResolveUnmatched}
}

// Matched 判断解析链是否命中了任一策略
func (r Resolution) Matched() bool {
	return r.Kind == ResolveNewTicket || r.Kind == ResolveAppendReply
}
