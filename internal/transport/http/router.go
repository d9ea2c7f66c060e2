package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deskmail/backend/internal/config"
	"deskmail/backend/internal/health"
	"deskmail/backend/internal/ingest"
	"deskmail/backend/internal/middleware"
	"deskmail/backend/internal/monitoring"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	Pipeline       *ingest.Pipeline
	PushVerifier   *ingest.PushVerifier
	RouteVerifier  *ingest.RouteVerifier
	DirectVerifier *ingest.DirectVerifier
	HealthChecker  *health.HealthChecker
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.BodySizeLimit(deps.Config.Ingest.MaxBodySize))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", headerPushMessageType, headerIngestSecret},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 允许所有来源时需清空凭证支持
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	pushHandler := NewPushWebhookHandler(deps.PushVerifier, deps.DirectVerifier, deps.Pipeline, deps.Logger)
	routeHandler := NewRouteWebhookHandler(deps.RouteVerifier, deps.Pipeline, deps.Logger)

	// ========== Webhook Routes ==========
	// 中继投递有突发性，burst 给足余量
	webhooks := router.Group("/webhooks", middleware.PerIPRateLimit(100, 500))
	{
		webhooks.POST("/push/inbound", pushHandler.HandleInbound)
		webhooks.POST("/route/inbound", routeHandler.HandleInbound)
	}

	// ========== 运维端点 ==========
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.HealthChecker.CheckHealth())
	})
	router.GET("/health/live", gin.WrapH(deps.HealthChecker.LiveHandler()))
	router.GET("/health/ready", gin.WrapH(deps.HealthChecker.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	return router
}
