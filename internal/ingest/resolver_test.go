package ingest_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deskmail/backend/internal/domain"
	"deskmail/backend/internal/ingest"
	"deskmail/backend/internal/storage/memory"
)

const (
	inboundDomain = "inbound.example.com"
	replySecret   = "reply-secret"
)

func newResolver(t *testing.T) (*ingest.Resolver, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	store.AddTenant(&domain.Tenant{ID: 7, Slug: "acme", Name: "Acme Corp", EmailCode: "acme-support", IsActive: true})
	store.AddTenant(&domain.Tenant{ID: 8, Slug: "initech", Name: "Initech", IsActive: false})
	return ingest.NewResolver(store, inboundDomain, replySecret, zap.NewNop()), store
}

// replySuffix 生成签名回复地址的合法后缀
func replySuffix(slug string, ticketID uint, length int) string {
	mac := hmac.New(sha256.New, []byte(replySecret))
	fmt.Fprintf(mac, "%s|%d", slug, ticketID)
	digest := hex.EncodeToString(mac.Sum(nil))
	return digest[10 : 10+length]
}

func TestResolver_NewTicketByRecipient(t *testing.T) {
	r, _ := newResolver(t)

	t.Run("slug 命中", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{"acme@" + inboundDomain},
		})
		require.Equal(t, domain.ResolveNewTicket, res.Kind)
		require.NotNil(t, res.Tenant)
		assert.Equal(t, uint(7), res.Tenant.ID)
		assert.Equal(t, "recipient", res.Strategy)
	})

	t.Run("邮件代码命中", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{"acme-support@" + inboundDomain},
		})
		require.Equal(t, domain.ResolveNewTicket, res.Kind)
		assert.Equal(t, uint(7), res.Tenant.ID)
	})

	t.Run("数字租户ID命中", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{"7@" + inboundDomain},
		})
		require.Equal(t, domain.ResolveNewTicket, res.Kind)
		assert.Equal(t, uint(7), res.Tenant.ID)
	})

	t.Run("非收件域跳过", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{"acme@elsewhere.example.com"},
		})
		assert.Equal(t, domain.ResolveUnmatched, res.Kind)
	})

	t.Run("停用租户跳过", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{"initech@" + inboundDomain},
		})
		assert.Equal(t, domain.ResolveUnmatched, res.Kind)
	})

	t.Run("reply前缀不走新建策略", func(t *testing.T) {
		// reply+ 开头但签名非法：策略1必须跳过，策略2验签失败 → 未命中
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{"reply+tkt.acme.42.000000@" + inboundDomain},
		})
		assert.Equal(t, domain.ResolveUnmatched, res.Kind)
	})
}

func TestResolver_SignedReplyAddress(t *testing.T) {
	r, _ := newResolver(t)

	t.Run("合法签名命中", func(t *testing.T) {
		addr := fmt.Sprintf("reply+tkt.acme.42.%s@%s", replySuffix("acme", 42, 6), inboundDomain)
		res := r.Resolve(context.Background(), &ingest.InboundMessage{Recipients: []string{addr}})
		require.Equal(t, domain.ResolveAppendReply, res.Kind)
		assert.Equal(t, uint(42), res.TicketID)
		assert.Equal(t, "acme", res.TenantSlug)
		assert.Equal(t, "signed_reply", res.Strategy)
	})

	t.Run("长度自适应：更长的后缀同样通过", func(t *testing.T) {
		addr := fmt.Sprintf("reply+tkt.acme.42.%s@%s", replySuffix("acme", 42, 20), inboundDomain)
		res := r.Resolve(context.Background(), &ingest.InboundMessage{Recipients: []string{addr}})
		assert.Equal(t, domain.ResolveAppendReply, res.Kind)
	})

	t.Run("签名错误被拒", func(t *testing.T) {
		addr := "reply+tkt.acme.42.ffffff@" + inboundDomain
		res := r.Resolve(context.Background(), &ingest.InboundMessage{Recipients: []string{addr}})
		assert.Equal(t, domain.ResolveUnmatched, res.Kind)
	})

	t.Run("其他工单的签名不能挪用", func(t *testing.T) {
		addr := fmt.Sprintf("reply+tkt.acme.43.%s@%s", replySuffix("acme", 42, 6), inboundDomain)
		res := r.Resolve(context.Background(), &ingest.InboundMessage{Recipients: []string{addr}})
		assert.Equal(t, domain.ResolveUnmatched, res.Kind)
	})
}

func TestResolver_ThreadingHeaders(t *testing.T) {
	r, store := newResolver(t)

	older := &domain.ReplyThreadToken{
		TicketID:          10,
		TenantSlug:        "acme",
		OutboundMessageID: "out-old@mail.example.com",
		SentAt:            time.Now().Add(-2 * time.Hour),
	}
	newer := &domain.ReplyThreadToken{
		TicketID:          11,
		TenantSlug:        "acme",
		OutboundMessageID: "out-new@mail.example.com",
		SentAt:            time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.SaveThreadToken(older))
	require.NoError(t, store.SaveThreadToken(newer))

	t.Run("In-Reply-To 命中", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			InReplyTo: "<out-old@mail.example.com>",
		})
		require.Equal(t, domain.ResolveAppendReply, res.Kind)
		assert.Equal(t, uint(10), res.TicketID)
		assert.Equal(t, "thread_header", res.Strategy)
	})

	t.Run("多命中取最新", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			References: "<out-old@mail.example.com> <out-new@mail.example.com>",
		})
		require.Equal(t, domain.ResolveAppendReply, res.Kind)
		assert.Equal(t, uint(11), res.TicketID)
	})

	t.Run("无命中继续后续策略", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			InReplyTo: "<unknown@mail.example.com>",
			Subject:   "Re: [TKT-33] help",
		})
		require.Equal(t, domain.ResolveAppendReply, res.Kind)
		assert.Equal(t, uint(33), res.TicketID)
		assert.Equal(t, "subject_tag", res.Strategy)
	})
}

func TestResolver_SubjectTag(t *testing.T) {
	r, _ := newResolver(t)

	cases := []struct {
		name    string
		subject string
		ticket  uint
		matched bool
	}{
		{"TKT 标签", "Re: [TKT-123] printer", 123, true},
		{"TICKET 标签", "Fwd: [TICKET-9] vpn", 9, true},
		{"大小写不敏感", "re: [tkt-55] hi", 55, true},
		{"无标签", "just a subject", 0, false},
		{"标签格式不完整", "[TKT-] broken", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := r.Resolve(context.Background(), &ingest.InboundMessage{Subject: tc.subject})
			if !tc.matched {
				assert.Equal(t, domain.ResolveUnmatched, res.Kind)
				return
			}
			require.Equal(t, domain.ResolveAppendReply, res.Kind)
			assert.Equal(t, tc.ticket, res.TicketID)
			assert.Empty(t, res.TenantSlug)
		})
	}
}

func TestResolver_Priority(t *testing.T) {
	r, store := newResolver(t)

	require.NoError(t, store.SaveThreadToken(&domain.ReplyThreadToken{
		TicketID:          10,
		TenantSlug:        "acme",
		OutboundMessageID: "out@mail.example.com",
		SentAt:            time.Now(),
	}))

	t.Run("签名回复地址胜过主题标签", func(t *testing.T) {
		addr := fmt.Sprintf("reply+tkt.acme.42.%s@%s", replySuffix("acme", 42, 6), inboundDomain)
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{addr},
			Subject:    "Re: [TKT-999] something",
		})
		require.Equal(t, domain.ResolveAppendReply, res.Kind)
		assert.Equal(t, uint(42), res.TicketID)
		assert.Equal(t, "signed_reply", res.Strategy)
	})

	t.Run("收件地址新建胜过线索头", func(t *testing.T) {
		res := r.Resolve(context.Background(), &ingest.InboundMessage{
			Recipients: []string{"acme@" + inboundDomain},
			InReplyTo:  "<out@mail.example.com>",
		})
		assert.Equal(t, domain.ResolveNewTicket, res.Kind)
		assert.Equal(t, "recipient", res.Strategy)
	})
}
