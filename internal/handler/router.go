package handler

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"rtsync/internal/middleware"
	"rtsync/internal/service"
)

// RouterConfig 本地HTTP桥的依赖
type RouterConfig struct {
	Pipeline       *service.Pipeline
	Gatherer       prometheus.Gatherer
	Auth           *service.BridgeAuthService
	AllowedOrigins []string
	ErrorLogs      ErrorLogSource
}

// NewRouter 创建本地HTTP桥的路由。/health和/metrics不需要认证
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.ErrorHandler())

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
			ExposeHeaders:    []string{middleware.RequestIDHeader},
			AllowCredentials: true,
		}))
	}

	// 创建处理器
	health := NewHealthHandler(cfg.Pipeline, cfg.Gatherer)
	bridge := NewBridgeHandler(cfg.Pipeline, cfg.ErrorLogs)
	ws := NewWebSocketHandler(cfg.Pipeline)

	r.GET("/health", health.Health)
	r.GET("/metrics", health.Metrics)

	api := r.Group("/", middleware.BridgeAuth(cfg.Auth))
	{
		api.GET("/state", bridge.State)
		api.POST("/events", bridge.PublishEvent)
		api.POST("/mutations", bridge.Mutate)
		api.GET("/cache/:key", bridge.CacheEntry)
		api.POST("/subscriptions", bridge.Subscribe)
		api.DELETE("/subscriptions/:id", bridge.Unsubscribe)
		api.GET("/stream", bridge.Stream)
		api.GET("/ws", ws.HandleWebSocket)
		api.GET("/messages/failed", bridge.FailedMessages)
		api.POST("/messages/:id/retry", bridge.RetryMessage)
		api.GET("/conflicts", bridge.Conflicts)
		api.POST("/conflicts/:id/resolve", bridge.ResolveConflict)
		api.GET("/logs/errors", bridge.ErrorLogs)
	}
	return r
}
