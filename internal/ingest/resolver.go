package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"deskmail/backend/internal/domain"
	"deskmail/backend/internal/mailparse"
)

// replyPrefix 是签名回复地址的局部名前缀
const replyPrefix = "reply+"

// replySuffixOffset 是回复地址签名在完整摘要中的起始偏移。
//
// 历史兼容：外发侧取 HMAC 十六进制摘要的第 10 位起的子串作为地址
// 后缀，长度随调用方截断而变。按原样校验意味着有效验证长度等于
// 对方提供的后缀长度——安全裕度低于比较完整摘要，此处刻意不修复。
const replySuffixOffset = 10

var (
	// reply+tkt.{tenantSlug}.{ticketId}.{hmacSuffix}
	signedReplyPattern = regexp.MustCompile(`^reply\+tkt\.([a-z0-9][a-z0-9-]*)\.(\d+)\.([0-9a-f]+)$`)
	// [TKT-123] / [TICKET-123]，大小写不敏感
	subjectTagPattern = regexp.MustCompile(`(?i)\[(?:TKT|TICKET)-(\d+)\]`)
	// <...> 括起的消息标识
	bracketIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)
	// 全数字局部名
	numericPattern = regexp.MustCompile(`^\d+$`)
)

// InboundMessage 是解析链的输入：从 webhook 载荷提取的路由要素
type InboundMessage struct {
	Recipients []string // 全部收件地址（To + Cc）
	Sender     string
	Subject    string
	MessageID  string
	InReplyTo  string
	References string
}

// Resolver 把入站消息归属到租户（新建工单）或既有工单（追加回复）。
//
// 四个策略严格按序尝试，先命中者赢，后续策略不再求值：
//  1. 收件地址局部名 → 新建工单（slug / 邮件代码 / 数字租户ID）
//  2. 签名回复地址 reply+tkt.{slug}.{id}.{sig} → 追加回复
//  3. In-Reply-To / References 线索头 → 追加回复
//  4. 主题标签 [TKT-123] → 追加回复（租户未定）
type Resolver struct {
	store         domain.Store
	inboundDomain string
	replySecret   string
	log           *zap.Logger
}

// NewResolver 创建解析链
func NewResolver(store domain.Store, inboundDomain, replySecret string, log *zap.Logger) *Resolver {
	return &Resolver{
		store:         store,
		inboundDomain: strings.ToLower(inboundDomain),
		replySecret:   replySecret,
		log:           log,
	}
}

// Resolve 执行解析链
func (r *Resolver) Resolve(ctx context.Context, msg *InboundMessage) domain.Resolution {
	strategies := []func(context.Context, *InboundMessage) *domain.Resolution{
		r.resolveNewTicketByRecipient,
		r.resolveSignedReplyAddress,
		r.resolveThreadingHeaders,
		r.resolveSubjectTag,
	}

	for _, strategy := range strategies {
		if res := strategy(ctx, msg); res != nil {
			r.log.Debug("inbound message resolved",
				zap.String("strategy", res.Strategy),
				zap.String("kind", string(res.Kind)),
			)
			return *res
		}
	}
	return domain.UnmatchedResolution()
}

// resolveNewTicketByRecipient 策略1：专用收件域名上的局部名定位租户。
//
// 查找顺序：slug → 邮件代码 → （纯数字时）数字租户ID；租户必须激活。
// reply+ 前缀的局部名属于策略2的地盘，这里一律跳过。
func (r *Resolver) resolveNewTicketByRecipient(_ context.Context, msg *InboundMessage) *domain.Resolution {
	for _, recipient := range msg.Recipients {
		if mailparse.Domain(recipient) != r.inboundDomain {
			continue
		}
		local := mailparse.LocalPart(recipient)
		if local == "" || strings.HasPrefix(local, replyPrefix) {
			continue
		}

		tenant := r.lookupTenant(local)
		if tenant == nil || !tenant.IsActive {
			continue
		}
		res := domain.NewTicketResolution(tenant, "recipient")
		return &res
	}
	return nil
}

// lookupTenant 按 slug → 邮件代码 → 数字ID 的顺序查找租户
func (r *Resolver) lookupTenant(local string) *domain.Tenant {
	if tenant, err := r.store.GetTenantBySlug(local); err == nil && tenant != nil {
		return tenant
	}
	if tenant, err := r.store.GetTenantByEmailCode(local); err == nil && tenant != nil {
		return tenant
	}
	if numericPattern.MatchString(local) {
		if id, err := strconv.ParseUint(local, 10, 32); err == nil {
			if tenant, err := r.store.GetTenantByID(uint(id)); err == nil && tenant != nil {
				return tenant
			}
		}
	}
	return nil
}

// resolveSignedReplyAddress 策略2：签名回复地址。
//
// 重算 HMAC-SHA256(secret, slug ∥ "|" ∥ ticketId)，取偏移 10、长度与
// 来件后缀一致的子串做恒定时间比较。长度自适应使截断后缀与完整后
// 缀都能通过校验——前提是它确实是真实摘要的正确子串。
func (r *Resolver) resolveSignedReplyAddress(_ context.Context, msg *InboundMessage) *domain.Resolution {
	if r.replySecret == "" {
		return nil
	}

	for _, recipient := range msg.Recipients {
		local := mailparse.LocalPart(recipient)
		m := signedReplyPattern.FindStringSubmatch(local)
		if m == nil {
			continue
		}
		tenantSlug, ticketStr, suffix := m[1], m[2], m[3]

		mac := hmac.New(sha256.New, []byte(r.replySecret))
		mac.Write([]byte(tenantSlug))
		mac.Write([]byte("|"))
		mac.Write([]byte(ticketStr))
		digest := hex.EncodeToString(mac.Sum(nil))

		if replySuffixOffset+len(suffix) > len(digest) {
			continue
		}
		expected := digest[replySuffixOffset : replySuffixOffset+len(suffix)]
		if subtle.ConstantTimeCompare([]byte(expected), []byte(suffix)) != 1 {
			r.log.Warn("signed reply address failed verification",
				zap.String("recipient", recipient),
			)
			continue
		}

		ticketID, err := strconv.ParseUint(ticketStr, 10, 32)
		if err != nil {
			continue
		}
		res := domain.AppendReplyResolution(uint(ticketID), tenantSlug, "signed_reply")
		return &res
	}
	return nil
}

// resolveThreadingHeaders 策略3：线索头匹配外发记录。
//
// 提取 In-Reply-To 与 References 中所有尖括号消息标识，
// 查找最近一条 outboundMessageId 命中的外发记录（多命中取最新）。
func (r *Resolver) resolveThreadingHeaders(_ context.Context, msg *InboundMessage) *domain.Resolution {
	ids := extractMessageIDs(msg.InReplyTo, msg.References)
	if len(ids) == 0 {
		return nil
	}

	token, err := r.store.RecentThreadToken(ids)
	if err != nil {
		r.log.Warn("thread token lookup failed", zap.Error(err))
		return nil
	}
	if token == nil {
		return nil
	}
	res := domain.AppendReplyResolution(token.TicketID, token.TenantSlug, "thread_header")
	return &res
}

// resolveSubjectTag 策略4：主题标签兜底。
//
// 租户留空，由追加回复的协作方从工单记录反推。
func (r *Resolver) resolveSubjectTag(_ context.Context, msg *InboundMessage) *domain.Resolution {
	m := subjectTagPattern.FindStringSubmatch(msg.Subject)
	if m == nil {
		return nil
	}
	ticketID, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil
	}
	res := domain.AppendReplyResolution(uint(ticketID), "", "subject_tag")
	return &res
}

// extractMessageIDs 从线索头中提取归一化后的消息标识列表
func extractMessageIDs(headers ...string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, header := range headers {
		for _, m := range bracketIDPattern.FindAllStringSubmatch(header, -1) {
			id := domain.NormalizeMessageID(m[1])
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
