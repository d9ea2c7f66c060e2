package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskmail/backend/internal/domain"
)

// lockKeyPrefix 是消息锁键的命名空间
const lockKeyPrefix = "ingest:lock:"

// Process 是单条消息的后台处理入口。
//
// 流程：
//  1. 抢同消息互斥锁（最多等 10s；等不到就放弃本次，交给后续投递）
//  2. 加载（缺失时补建）处理档案
//  3. 已处理 → 直接返回；曾失败 → 记一条重处理日志后继续
//  4. 有限次重试地调用工单协作方，按结果迁移状态机
//
// 锁在所有退出路径上都会释放（defer），包括业务逻辑 panic 被
// 协程池吞掉之前。
func (p *Pipeline) Process(ctx context.Context, messageKey string, resolution domain.Resolution, parsed *domain.ParsedEmail) {
	release, err := p.locker.Acquire(ctx, lockKeyPrefix+messageKey, p.cfg.LockWait, p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			// 另一个 worker 正在处理同一消息：放弃即是防重复的正确行为
			p.log.Warn("gave up waiting for message lock, abandoning this delivery",
				zap.String("message_id", messageKey),
			)
			return
		}
		p.log.Error("message lock acquisition failed", zap.Error(err))
		return
	}
	defer release()

	record := p.loadOrCreateRecord(messageKey, parsed)
	if record == nil {
		return
	}

	if record.IsProcessed() {
		p.log.Debug("record already processed, nothing to do",
			zap.String("message_id", messageKey),
		)
		return
	}
	if record.IsFailed() {
		p.log.Info("reprocessing previously failed message",
			zap.String("message_id", messageKey),
			zap.String("previous_error", record.ErrorMessage),
		)
	}

	start := time.Now()
	ticketID, err := p.processWithRetry(ctx, resolution, parsed)
	if err != nil {
		record.MarkFailed(err.Error())
		p.metrics.RecordEmailFailed()
		p.log.Error("message processing exhausted retries",
			zap.String("message_id", messageKey),
			zap.Error(err),
		)
	} else {
		record.MarkProcessed(ticketID)
		if resolution.Kind == domain.ResolveNewTicket && resolution.Tenant != nil {
			tenantID := resolution.Tenant.ID
			record.TenantID = &tenantID
		}
		p.metrics.RecordEmailProcessed(string(resolution.Kind), time.Since(start))
		p.log.Info("message processed",
			zap.String("message_id", messageKey),
			zap.String("kind", string(resolution.Kind)),
			zap.Uint("ticket_id", ticketID),
		)
	}

	if err := p.store.UpdateEmailRecord(record); err != nil {
		p.log.Error("failed to persist record state transition",
			zap.String("message_id", messageKey),
			zap.Error(err),
		)
	}
}

// loadOrCreateRecord 加载处理档案，接入层漏建时由 worker 补建
func (p *Pipeline) loadOrCreateRecord(messageKey string, parsed *domain.ParsedEmail) *domain.EmailRecord {
	record, err := p.store.GetEmailRecordByMessageID(messageKey)
	if err != nil {
		p.log.Error("email record lookup failed", zap.Error(err))
	}
	if record != nil {
		return record
	}

	record = &domain.EmailRecord{
		ID:         uuid.NewString(),
		MessageID:  messageKey,
		From:       parsed.From,
		To:         parsed.FirstRecipient(),
		Subject:    parsed.Subject,
		Status:     domain.EmailStatusQueued,
		ReceivedAt: time.Now().UTC(),
	}
	if err := p.store.SaveEmailRecord(record); err != nil {
		p.log.Error("failed to create email record in worker", zap.Error(err))
		return nil
	}
	return record
}

// processWithRetry 带超时与有限重试地执行业务调用
func (p *Pipeline) processWithRetry(ctx context.Context, resolution domain.Resolution, parsed *domain.ParsedEmail) (uint, error) {
	var ticketID uint
	var lastErr error

	for attempt := 1; attempt <= p.cfg.WorkerAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		ticketID, lastErr = p.dispatch(attemptCtx, resolution, parsed)
		cancel()

		if lastErr == nil {
			return ticketID, nil
		}
		p.log.Warn("processing attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.WorkerAttempts),
			zap.Error(lastErr),
		)
		if attempt < p.cfg.WorkerAttempts {
			time.Sleep(p.backoff(attempt))
		}
	}
	return 0, lastErr
}

// dispatch 按解析结论调用工单协作方
func (p *Pipeline) dispatch(ctx context.Context, resolution domain.Resolution, parsed *domain.ParsedEmail) (uint, error) {
	switch resolution.Kind {
	case domain.ResolveNewTicket:
		return p.tickets.CreateTicketFromEmail(ctx, resolution.Tenant, parsed)
	case domain.ResolveAppendReply:
		return p.tickets.AppendReplyToTicket(ctx, resolution.TicketID, resolution.TenantSlug, parsed.From, parsed)
	default:
		return 0, errors.New("unmatched resolution reached worker")
	}
}
