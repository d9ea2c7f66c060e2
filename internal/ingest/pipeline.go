package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskmail/backend/internal/config"
	"deskmail/backend/internal/domain"
	"deskmail/backend/internal/mailparse"
	"deskmail/backend/internal/monitoring"
	"deskmail/backend/internal/pool"
)

// Outcome 是接入一条消息后对上游中继的答复结论
type Outcome string

const (
	OutcomeAccepted  Outcome = "ok"        // 已接受，后台异步处理
	OutcomeDuplicate Outcome = "duplicate" // 幂等门判定为重复投递
	OutcomeIgnored   Outcome = "ignored"   // 解析链无法归属，确认后忽略
)

// InboundEmail 是各入口（webhook / SMTP / 直连测试）交给管道的统一载荷
type InboundEmail struct {
	RawPayload     []byte    // 原始载荷：MIME 字节流或预结构化 JSON
	RelayObjectKey string    // 中继侧对象存储指针，可选
	ReceivedAt     time.Time // 接收时间，零值时取当前时间
	Source         string    // 入口标识：push / route / direct / smtp
}

// Pipeline 串联邮件接入的各个环节：
// 解析 → 归属解析 → 幂等去重 → 持久化 → 异步入队。
//
// Accept 在 webhook 请求内同步完成，必须保持快速；
// 真正的工单创建/回复追加由 worker 协程池在带外执行。
type Pipeline struct {
	store    domain.Store
	tickets  domain.TicketService
	resolver *Resolver
	gate     *Gate
	locker   Locker
	pool     *pool.WorkerPool
	metrics  *monitoring.Metrics
	log      *zap.Logger
	cfg      config.IngestConfig

	// 重试间隔，测试中可缩短
	backoff func(attempt int) time.Duration
}

// NewPipeline 创建接入管道
func NewPipeline(
	store domain.Store,
	tickets domain.TicketService,
	resolver *Resolver,
	gate *Gate,
	locker Locker,
	workerPool *pool.WorkerPool,
	metrics *monitoring.Metrics,
	cfg config.IngestConfig,
	log *zap.Logger,
) *Pipeline {
	return &Pipeline{
		store:    store,
		tickets:  tickets,
		resolver: resolver,
		gate:     gate,
		locker:   locker,
		pool:     workerPool,
		metrics:  metrics,
		log:      log,
		cfg:      cfg,
		backoff: func(attempt int) time.Duration {
			return time.Second << (attempt - 1)
		},
	}
}

// Accept 接入一封入站邮件。
//
// 快速路径：解析与归属失败立刻确认忽略；幂等门拒绝立刻确认重复。
// 接受后写入 status=queued 的处理档案并入队，随即返回——
// 上游 webhook 不等待后台处理结果。
func (p *Pipeline) Accept(ctx context.Context, in *InboundEmail) (Outcome, error) {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}
	p.metrics.RecordEmailReceived(in.Source)

	parsed := mailparse.Parse(in.RawPayload)
	msg := &InboundMessage{
		Recipients: parsed.AllRecipients(),
		Sender:     parsed.From,
		Subject:    parsed.Subject,
		MessageID:  parsed.MessageID,
		InReplyTo:  parsed.InReplyTo,
		References: parsed.References,
	}

	resolution := p.resolver.Resolve(ctx, msg)
	if !resolution.Matched() {
		p.log.Info("inbound email not resolvable, acknowledged and ignored",
			zap.String("source", in.Source),
			zap.String("from", parsed.From),
			zap.String("subject", parsed.Subject),
		)
		p.metrics.RecordEmailIgnored(in.Source)
		return OutcomeIgnored, nil
	}

	dedupKey := DedupKey(parsed.MessageID, parsed.From, in.ReceivedAt, parsed.BodyText)
	first, err := p.gate.FirstDelivery(ctx, dedupKey)
	if err != nil {
		// 缓存不可用时放行：入口去重是尽力而为，worker 锁兜底正确性
		p.log.Error("dedup cache unavailable, proceeding without ingress dedup", zap.Error(err))
		first = true
	}
	if !first {
		p.log.Info("duplicate delivery suppressed",
			zap.String("message_id", parsed.MessageID),
			zap.String("source", in.Source),
		)
		p.metrics.RecordEmailDuplicate(in.Source)
		return OutcomeDuplicate, nil
	}

	messageKey := domain.NormalizeMessageID(parsed.MessageID)
	if messageKey == "" {
		messageKey = dedupKey
	}

	// 档案落库失败也必须入队：幂等键已被此次投递占用，后续 48h 内的
	// 重投都会短路成 duplicate，这里放弃等于消息永久丢失。
	// worker 会在锁内补建档案并重试持久化。
	err = p.ensureRecord(messageKey, parsed, in)

	p.enqueue(messageKey, resolution, parsed)
	return OutcomeAccepted, err
}

// ensureRecord 确保消息的处理档案存在（已存在时不重建）
func (p *Pipeline) ensureRecord(messageKey string, parsed *domain.ParsedEmail, in *InboundEmail) error {
	existing, err := p.store.GetEmailRecordByMessageID(messageKey)
	if err != nil {
		p.log.Error("email record lookup failed", zap.Error(err))
	}
	if existing != nil {
		return nil
	}

	record := &domain.EmailRecord{
		ID:             uuid.NewString(),
		MessageID:      messageKey,
		From:           parsed.From,
		To:             parsed.FirstRecipient(),
		Subject:        parsed.Subject,
		RawPayload:     string(in.RawPayload),
		RelayObjectKey: in.RelayObjectKey,
		Status:         domain.EmailStatusQueued,
		ReceivedAt:     in.ReceivedAt,
	}
	if err := p.store.SaveEmailRecord(record); err != nil {
		p.log.Error("failed to persist email record", zap.Error(err))
		return err
	}
	return nil
}

// enqueue 把消息处理任务提交到协程池。
//
// 队列已满时只告警：档案停留在 queued，重启时的 RequeueStale
// 或同一消息的下次投递会再次触发处理。
func (p *Pipeline) enqueue(messageKey string, resolution domain.Resolution, parsed *domain.ParsedEmail) {
	task := func() {
		p.Process(context.Background(), messageKey, resolution, parsed)
	}
	if !p.pool.TrySubmit(task) {
		p.log.Warn("ingest queue full, leaving record queued", zap.String("message_id", messageKey))
	}
}

// RequeueStale 把停留在 queued 状态的档案重新入队。
//
// 服务重启会丢掉进程内队列；档案里的原始载荷让这些消息
// 可以重新解析、重新归属后继续处理。
func (p *Pipeline) RequeueStale(ctx context.Context, limit int) (int, error) {
	records, err := p.store.ListEmailRecordsByStatus(domain.EmailStatusQueued, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range records {
		record := records[i]
		if record.RawPayload == "" {
			record.MarkFailed("raw payload missing, cannot requeue")
			if err := p.store.UpdateEmailRecord(&record); err != nil {
				p.log.Error("failed to mark unreplayable record", zap.Error(err))
			}
			continue
		}

		parsed := mailparse.Parse([]byte(record.RawPayload))
		resolution := p.resolver.Resolve(ctx, &InboundMessage{
			Recipients: parsed.AllRecipients(),
			Sender:     parsed.From,
			Subject:    parsed.Subject,
			MessageID:  parsed.MessageID,
			InReplyTo:  parsed.InReplyTo,
			References: parsed.References,
		})
		if !resolution.Matched() {
			record.MarkFailed("no longer resolvable on requeue")
			if err := p.store.UpdateEmailRecord(&record); err != nil {
				p.log.Error("failed to mark unresolvable record", zap.Error(err))
			}
			continue
		}

		p.enqueue(record.MessageID, resolution, parsed)
		count++
	}
	return count, nil
}
