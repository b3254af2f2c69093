package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatserver/internal/auth"
	"chatserver/internal/db"
	"chatserver/internal/presence"
	"chatserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OnlineCounter 由 ws.Hub 实现。
type OnlineCounter interface {
	Online() int
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	db            *gorm.DB
	users         *service.UserService
	messages      *service.MessageService
	conversations *service.ConversationService
	presence      *presence.Tracker
	online        OnlineCounter
}

func NewHandler(gdb *gorm.DB, users *service.UserService, messages *service.MessageService,
	conversations *service.ConversationService, tracker *presence.Tracker, online OnlineCounter) *Handler {
	return &Handler{
		db:            gdb,
		users:         users,
		messages:      messages,
		conversations: conversations,
		presence:      tracker,
		online:        online,
	}
}

// Healthz 检查数据库连通性。
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := db.Ping(ctx, h.db); err != nil {
		log.Error().Err(err).Msg("healthz db ping")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.online.Online()})
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.users.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.users.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListConversations 返回收件箱：每个对话一行，带最后一条消息与未读数。
func (h *Handler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	uid := auth.GetUserID(c)
	convs, err := h.conversations.List(c.Request.Context(), uid, limit)
	if err != nil {
		log.Error().Err(err).Uint("user_id", uid).Msg("list conversations")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// ListMessages 分页读取与某个用户的历史消息，规则与 load_conversation 帧一致。
func (h *Handler) ListMessages(c *gin.Context) {
	peerID, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.ParseUint(bid, 10, 64); err == nil {
			beforeID = uint(v)
		}
	}
	uid := auth.GetUserID(c)
	msgs, err := h.messages.LoadConversation(c.Request.Context(), uid, peerID, limit, beforeID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", uid).Uint("peer_id", peerID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// DeleteMessage 只对调用方隐藏消息。
func (h *Handler) DeleteMessage(c *gin.Context) {
	msgID, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	uid := auth.GetUserID(c)
	if err := h.messages.DeleteForUser(c.Request.Context(), uid, msgID); err != nil {
		if errors.Is(err, service.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		log.Error().Err(err).Uint("user_id", uid).Uint("message_id", msgID).Msg("delete message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Limits 返回调用方当天的配额。
func (h *Handler) Limits(c *gin.Context) {
	uid := auth.GetUserID(c)
	info, err := h.messages.QuotaInfo(c.Request.Context(), uid)
	if err != nil {
		log.Error().Err(err).Uint("user_id", uid).Msg("quota info")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load limits"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) Presence(c *gin.Context) {
	uid, ok := parseID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	st, err := h.presence.Status(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, presence.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		log.Error().Err(err).Uint("user_id", uid).Msg("presence status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load presence"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func parseID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}
