package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"deskmail/backend/internal/domain"
)

// Store 内存存储实现
//
// 用于开发环境和测试；所有数据随进程消失。
type Store struct {
	mu sync.RWMutex

	recordsByMessageID map[string]*domain.EmailRecord
	tenantsByID        map[uint]*domain.Tenant
	threadTokens       []*domain.ReplyThreadToken
	tickets            map[uint]*domain.Ticket
	articles           map[uint]*domain.TicketArticle

	nextTicketID  uint
	nextArticleID uint
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		recordsByMessageID: make(map[string]*domain.EmailRecord),
		tenantsByID:        make(map[uint]*domain.Tenant),
		tickets:            make(map[uint]*domain.Ticket),
		articles:           make(map[uint]*domain.TicketArticle),
		nextTicketID:       1,
		nextArticleID:      1,
	}
}

// ========== EmailRecord Repository ==========

// SaveEmailRecord 保存处理档案
func (s *Store) SaveEmailRecord(record *domain.EmailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recordsByMessageID[record.MessageID]; exists {
		return fmt.Errorf("email record already exists: %s", record.MessageID)
	}
	clone := *record
	s.recordsByMessageID[record.MessageID] = &clone
	return nil
}

// GetEmailRecordByMessageID 按归一化消息标识查找档案，未找到返回 (nil, nil)
func (s *Store) GetEmailRecordByMessageID(messageID string) (*domain.EmailRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.recordsByMessageID[messageID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

// UpdateEmailRecord 更新处理档案
func (s *Store) UpdateEmailRecord(record *domain.EmailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recordsByMessageID[record.MessageID]; !exists {
		return fmt.Errorf("email record not found: %s", record.MessageID)
	}
	clone := *record
	s.recordsByMessageID[record.MessageID] = &clone
	return nil
}

// ListEmailRecordsByStatus 按状态列出处理档案
func (s *Store) ListEmailRecordsByStatus(status domain.EmailStatus, limit int) ([]domain.EmailRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.EmailRecord
	for _, record := range s.recordsByMessageID {
		if record.Status != status {
			continue
		}
		out = append(out, *record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ========== Tenant Directory ==========

// AddTenant 注册租户（测试与开发辅助）
func (s *Store) AddTenant(tenant *domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *tenant
	s.tenantsByID[tenant.ID] = &clone
}

// GetTenantBySlug 按 slug 查找租户，未找到返回 (nil, nil)
func (s *Store) GetTenantBySlug(slug string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tenant := range s.tenantsByID {
		if strings.EqualFold(tenant.Slug, slug) {
			clone := *tenant
			return &clone, nil
		}
	}
	return nil, nil
}

// GetTenantByEmailCode 按邮件代码查找租户，未找到返回 (nil, nil)
func (s *Store) GetTenantByEmailCode(code string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tenant := range s.tenantsByID {
		if tenant.EmailCode != "" && strings.EqualFold(tenant.EmailCode, code) {
			clone := *tenant
			return &clone, nil
		}
	}
	return nil, nil
}

// GetTenantByID 按数字ID查找租户，未找到返回 (nil, nil)
func (s *Store) GetTenantByID(id uint) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenantsByID[id]
	if !ok {
		return nil, nil
	}
	clone := *tenant
	return &clone, nil
}

// ========== ReplyThreadToken Repository ==========

// SaveThreadToken 保存外发线索记录
func (s *Store) SaveThreadToken(token *domain.ReplyThreadToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *token
	s.threadTokens = append(s.threadTokens, &clone)
	return nil
}

// RecentThreadToken 在给定消息标识中查找最近一条外发记录
func (s *Store) RecentThreadToken(messageIDs []string) (*domain.ReplyThreadToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	var matches []*domain.ReplyThreadToken
	for _, token := range s.threadTokens {
		if _, ok := wanted[token.OutboundMessageID]; ok {
			matches = append(matches, token)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].SentAt.After(matches[j].SentAt)
	})
	clone := *matches[0]
	return &clone, nil
}

// ========== Ticket Repository ==========

// CreateTicket 创建工单并分配ID
func (s *Store) CreateTicket(ticket *domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket.ID = s.nextTicketID
	s.nextTicketID++
	clone := *ticket
	s.tickets[ticket.ID] = &clone
	return nil
}

// GetTicket 查找工单，未找到返回 (nil, nil)
func (s *Store) GetTicket(id uint) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.tickets[id]
	if !ok {
		return nil, nil
	}
	clone := *ticket
	return &clone, nil
}

// AppendArticle 追加工单消息并分配ID
func (s *Store) AppendArticle(article *domain.TicketArticle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	article.ID = s.nextArticleID
	s.nextArticleID++
	clone := *article
	s.articles[article.ID] = &clone
	return nil
}

// ArticlesForTicket 返回指定工单的全部消息（测试与开发辅助）
func (s *Store) ArticlesForTicket(ticketID uint) []domain.TicketArticle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TicketArticle
	for _, article := range s.articles {
		if article.TicketID == ticketID {
			out = append(out, *article)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ========== 运维 ==========

// Health 内存存储永远健康
func (s *Store) Health() error {
	return nil
}

// Close 关闭存储（内存实现为空操作）
func (s *Store) Close() error {
	return nil
}
