package server

import (
	"chatserver/internal/auth"
	"chatserver/internal/config"
	"chatserver/internal/metrics"
	"chatserver/internal/mw"
	"chatserver/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, h *Handler, hub *ws.Hub, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestID())
	r.Use(mw.AccessLog())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，websocket 帧另有连接级限速。
	r.Use(rl.Handler())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(hub))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, gdb))
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id/messages", h.ListMessages)
	authed.DELETE("/messages/:id", h.DeleteMessage)
	authed.GET("/limits", h.Limits)
	authed.GET("/users/:id/presence", h.Presence)

	return r
}
