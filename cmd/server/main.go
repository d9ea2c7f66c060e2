package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deskmail/backend/internal/config"
	"deskmail/backend/internal/domain"
	"deskmail/backend/internal/health"
	"deskmail/backend/internal/ingest"
	"deskmail/backend/internal/logger"
	"deskmail/backend/internal/monitoring"
	"deskmail/backend/internal/pool"
	"deskmail/backend/internal/service"
	"deskmail/backend/internal/smtp"
	"deskmail/backend/internal/storage/memory"
	redisstore "deskmail/backend/internal/storage/redis"
	sqlstore "deskmail/backend/internal/storage/sql"
	httptransport "deskmail/backend/internal/transport/http"
)

// requeueBatchLimit 启动时重新入队 stale 档案的单批上限
const requeueBatchLimit = 500

// main 启动邮件接入服务：HTTP webhook 入口，可选的直连 SMTP 入口。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting deskmail ingest server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("inbound_domain", cfg.Ingest.InboundDomain),
	)

	// 初始化存储层：配置了数据库时用 SQL，否则用内存（开发环境）
	var store domain.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		sqlStore, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		defer sqlStore.Close()
		store = sqlStore
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}

	// 幂等缓存与消息锁优先走 Redis；连不上时退回进程内实现。
	// 内存实现只在单实例部署下与 Redis 等价。
	var (
		dedupCache  ingest.DedupCache
		locker      ingest.Locker
		cachePinger health.Pinger
	)
	redisClient, err := redisstore.New(&cfg.Redis, log)
	if err != nil {
		if cfg.Production() {
			panic(fmt.Sprintf("failed to connect to Redis: %v", err))
		}
		log.Warn("Redis unavailable, falling back to in-process dedup and locks", zap.Error(err))
		dedupCache = memory.NewDedupCache()
		locker = memory.NewLocker()
	} else {
		defer redisClient.Close()
		dedupCache = redisstore.NewDedupCache(redisClient)
		locker = redisstore.NewLocker(redisClient, log)
		cachePinger = redisClient
	}

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, cachePinger, log)

	// 初始化接入管道
	tickets := service.NewTicketService(store)
	resolver := ingest.NewResolver(store, cfg.Ingest.InboundDomain, cfg.Ingest.ReplySecret, log)
	gate := ingest.NewGate(dedupCache, cfg.Ingest.DedupTTL)
	workerPool := pool.NewWorkerPool(cfg.Ingest.Workers, cfg.Ingest.QueueSize, log)
	pipeline := ingest.NewPipeline(store, tickets, resolver, gate, locker, workerPool, metrics, cfg.Ingest, log)

	pushVerifier := ingest.NewPushVerifier(cfg.Ingest.PushTopic, log)
	routeVerifier := ingest.NewRouteVerifier(cfg.Ingest.RouteSigningKey, log)
	directVerifier := ingest.NewDirectVerifier(cfg.Ingest.DirectSecret)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		Pipeline:       pipeline,
		PushVerifier:   pushVerifier,
		RouteVerifier:  routeVerifier,
		DirectVerifier: directVerifier,
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerPool.Start(ctx)

	// 上次进程退出时可能留下 queued 档案，重新入队继续处理
	if count, err := pipeline.RequeueStale(ctx, requeueBatchLimit); err != nil {
		log.Error("failed to requeue stale email records", zap.Error(err))
	} else if count > 0 {
		log.Info("requeued stale email records", zap.Int("count", count))
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 可选的直连 SMTP 入口 goroutine
	var smtpServer interface{ Close() error }
	if cfg.SMTP.Enabled {
		limiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConns, cfg.SMTP.MaxRate)
		backend := smtp.NewBackend(pipeline, cfg.Ingest.InboundDomain, limiter, log)
		server := smtp.NewServer(backend, cfg.SMTP.BindAddr, cfg.SMTP.Domain)
		smtpServer = server

		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := server.ListenAndServe(); err != nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		// 停止接收新任务，并让在途任务跑完
		workerPool.Stop()

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
