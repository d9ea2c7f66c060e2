package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskmail/backend/internal/domain"
	"deskmail/backend/internal/storage/memory"
)

func uintPtr(v uint) *uint { return &v }

func TestCreateTicketFromEmail(t *testing.T) {
	store := memory.NewStore()
	svc := NewTicketService(store)

	tenant := &domain.Tenant{
		ID:                1,
		Slug:              "acme",
		Name:              "Acme Corp",
		IsActive:          true,
		DefaultServiceID:  uintPtr(3),
		DefaultPriorityID: uintPtr(2),
	}
	store.AddTenant(tenant)

	email := &domain.ParsedEmail{
		From:     "customer@example.com",
		FromName: "客户甲",
		Subject:  "打印机无法连接",
		BodyText: "重启后仍然连不上网络打印机。",
	}

	ticketID, err := svc.CreateTicketFromEmail(context.Background(), tenant, email)
	require.NoError(t, err)
	require.NotZero(t, ticketID)

	ticket, err := store.GetTicket(ticketID)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, tenant.ID, ticket.TenantID)
	assert.Equal(t, "打印机无法连接", ticket.Subject)
	assert.Equal(t, "customer@example.com", ticket.RequesterEmail)
	assert.Equal(t, uintPtr(3), ticket.ServiceID)
	assert.Equal(t, uintPtr(2), ticket.PriorityID)

	articles := store.ArticlesForTicket(ticketID)
	require.Len(t, articles, 1)
	assert.Equal(t, "重启后仍然连不上网络打印机。", articles[0].BodyText)
}

func TestCreateTicketFromEmail_EmptySubject(t *testing.T) {
	store := memory.NewStore()
	svc := NewTicketService(store)
	tenant := &domain.Tenant{ID: 1, Slug: "acme", IsActive: true}

	email := &domain.ParsedEmail{From: "a@b.com", Subject: "   "}
	ticketID, err := svc.CreateTicketFromEmail(context.Background(), tenant, email)
	require.NoError(t, err)

	ticket, _ := store.GetTicket(ticketID)
	assert.Equal(t, "(no subject)", ticket.Subject)
}

func TestCreateTicketFromEmail_SubjectTruncated(t *testing.T) {
	store := memory.NewStore()
	svc := NewTicketService(store)
	tenant := &domain.Tenant{ID: 1, Slug: "acme", IsActive: true}

	email := &domain.ParsedEmail{From: "a@b.com", Subject: strings.Repeat("x", 600)}
	ticketID, err := svc.CreateTicketFromEmail(context.Background(), tenant, email)
	require.NoError(t, err)

	ticket, _ := store.GetTicket(ticketID)
	assert.Len(t, ticket.Subject, maxSubjectLength)
}

func TestCreateTicketFromEmail_NilTenant(t *testing.T) {
	svc := NewTicketService(memory.NewStore())
	_, err := svc.CreateTicketFromEmail(context.Background(), nil, &domain.ParsedEmail{})
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestAppendReplyToTicket(t *testing.T) {
	store := memory.NewStore()
	svc := NewTicketService(store)
	tenant := &domain.Tenant{ID: 1, Slug: "acme", IsActive: true}
	store.AddTenant(tenant)

	first := &domain.ParsedEmail{From: "customer@example.com", Subject: "VPN 断线", BodyText: "首次报告"}
	ticketID, err := svc.CreateTicketFromEmail(context.Background(), tenant, first)
	require.NoError(t, err)

	reply := &domain.ParsedEmail{From: "customer@example.com", Subject: "Re: VPN 断线", BodyText: "问题依旧"}
	gotID, err := svc.AppendReplyToTicket(context.Background(), ticketID, "acme", "customer@example.com", reply)
	require.NoError(t, err)
	assert.Equal(t, ticketID, gotID)

	articles := store.ArticlesForTicket(ticketID)
	require.Len(t, articles, 2)
	assert.Equal(t, "问题依旧", articles[1].BodyText)
}

func TestAppendReplyToTicket_NotFound(t *testing.T) {
	svc := NewTicketService(memory.NewStore())
	_, err := svc.AppendReplyToTicket(context.Background(), 999, "acme", "a@b.com", &domain.ParsedEmail{})
	assert.ErrorIs(t, err, ErrTicketNotFound)
}
