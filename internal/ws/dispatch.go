package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"chatserver/internal/auth"
	"chatserver/internal/metrics"
	"chatserver/internal/service"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	reasonMalformed       = "malformed"
	reasonUnknownType     = "unknown_type"
	reasonMissingFields   = "missing_fields"
	reasonUnauthenticated = "unauthenticated"
	reasonRateLimited     = "rate_limited"
)

const (
	errAuthFailed     = "Authentication failed"
	errSendFailed     = "Failed to send message"
	errTooLong        = "Message is too long"
	errMarkReadFailed = "Failed to mark messages as read"
	errLoadFailed     = "Failed to load conversation"
	errCensored       = "Phone numbers and contact information are not allowed. Upgrade to premium to share contact details."
)

// Frame 是入站帧。指针字段用于区分"缺失"与零值。
type Frame struct {
	Type        string  `json:"type"`
	UserID      *uint   `json:"user_id"`
	Token       string  `json:"token"`
	ReceiverID  *uint   `json:"receiver_id"`
	Message     *string `json:"message"`
	IsTyping    *bool   `json:"is_typing"`
	SenderID    *uint   `json:"sender_id"`
	OtherUserID *uint   `json:"other_user_id"`
	Limit       *int    `json:"limit"`
	BeforeID    *uint   `json:"before_id"`
}

type authSuccessFrame struct {
	Type   string `json:"type"`
	UserID uint   `json:"user_id"`
}

type newMessageFrame struct {
	Type       string            `json:"type"`
	ID         uint              `json:"id"`
	SenderID   uint              `json:"sender_id"`
	ReceiverID uint              `json:"receiver_id"`
	Message    string            `json:"message"`
	CreatedAt  time.Time         `json:"created_at"`
	LimitInfo  service.LimitInfo `json:"limit_info"`
	Sent       bool              `json:"sent,omitempty"`
}

type typingFrame struct {
	Type     string `json:"type"`
	UserID   uint   `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type messagesReadFrame struct {
	Type     string `json:"type"`
	ReaderID uint   `json:"reader_id"`
}

type conversationFrame struct {
	Type        string               `json:"type"`
	OtherUserID uint                 `json:"other_user_id"`
	Messages    []service.MessageDTO `json:"messages"`
}

type errorFrame struct {
	Type            string `json:"type"`
	Error           string `json:"error"`
	UpgradeRequired bool   `json:"upgrade_required,omitempty"`
	Censored        bool   `json:"censored,omitempty"`
}

// MessagePipeline 是 Dispatcher 依赖的消息服务。
type MessagePipeline interface {
	Send(ctx context.Context, senderID, receiverID uint, body string) (*service.SendResult, error)
	MarkRead(ctx context.Context, readerID, senderID uint) (int64, error)
	LoadConversation(ctx context.Context, requesterID, otherID uint, limit int, beforeID uint) ([]service.MessageDTO, error)
	DailyLimit() int
}

type PresenceTracker interface {
	MarkOnline(ctx context.Context, userID uint) error
	MarkOffline(ctx context.Context, userID uint) error
}

// Dispatcher 把入站帧路由到对应的处理函数。
type Dispatcher struct {
	registry  Registry
	messages  MessagePipeline
	presence  PresenceTracker
	verifier  auth.TokenVerifier
	dbTimeout time.Duration
	locks     *userLocks
}

func NewDispatcher(registry Registry, messages MessagePipeline, presence PresenceTracker, verifier auth.TokenVerifier, dbTimeout time.Duration) *Dispatcher {
	if dbTimeout <= 0 {
		dbTimeout = 5 * time.Second
	}
	return &Dispatcher{
		registry:  registry,
		messages:  messages,
		presence:  presence,
		verifier:  verifier,
		dbTimeout: dbTimeout,
		locks:     newUserLocks(),
	}
}

// Handle 处理一帧。任何错误或 panic 都不会终止连接。
func (d *Dispatcher) Handle(ctx context.Context, c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("conn_id", c.id).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("frame handler panicked")
		}
	}()

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		drop(c, reasonMalformed, err)
		return
	}
	if f.Type == "auth" {
		d.authenticate(ctx, c, f)
		return
	}
	if c.userID == 0 {
		drop(c, reasonUnauthenticated, nil)
		return
	}
	switch f.Type {
	case "message":
		d.sendMessage(ctx, c, f)
	case "typing":
		d.typing(c, f)
	case "mark_read":
		d.markRead(ctx, c, f)
	case "load_conversation":
		d.loadConversation(ctx, c, f)
	default:
		drop(c, reasonUnknownType, nil)
	}
}

func (d *Dispatcher) authenticate(ctx context.Context, c *Client, f Frame) {
	if f.UserID == nil || *f.UserID == 0 || f.Token == "" {
		drop(c, reasonMissingFields, nil)
		return
	}
	userID := *f.UserID
	if err := d.verifier.Verify(f.Token, userID); err != nil {
		log.Warn().Err(err).Str("conn_id", c.id).Uint("user_id", userID).Msg("websocket auth rejected")
		reply(c, errorFrame{Type: "error", Error: errAuthFailed})
		return
	}

	replaced, replacedLast := d.bind(ctx, c, userID)
	if replaced != 0 && replacedLast {
		d.markOffline(replaced)
	}
	log.Info().Str("conn_id", c.id).Uint("user_id", userID).Msg("websocket authenticated")
	reply(c, authSuccessFrame{Type: "auth_success", UserID: userID})
}

// bind 在用户锁内完成注册与上线落库，与同一用户的离线写入互斥。
func (d *Dispatcher) bind(ctx context.Context, c *Client, userID uint) (uint, bool) {
	unlock := d.locks.lock(userID)
	defer unlock()
	replaced, replacedLast := d.registry.Register(c, userID)
	c.userID = userID
	dctx, cancel := context.WithTimeout(ctx, d.dbTimeout)
	defer cancel()
	if err := d.presence.MarkOnline(dctx, userID); err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("mark online")
	}
	return replaced, replacedLast
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *Client, f Frame) {
	if f.ReceiverID == nil || f.Message == nil {
		drop(c, reasonMissingFields, nil)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, d.dbTimeout)
	defer cancel()
	res, err := d.messages.Send(dctx, c.userID, *f.ReceiverID, *f.Message)
	if err != nil {
		d.rejectMessage(c, err)
		return
	}

	m := res.Message
	out := newMessageFrame{
		Type:       "new_message",
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Message:    m.Message,
		CreatedAt:  m.CreatedAt,
		LimitInfo:  res.Limit,
	}
	metrics.WsMessagesTotal.Inc()
	sent := out
	sent.Sent = true
	reply(c, sent)
	// 发给自己时，当前连接已收到 sent 帧
	if target := d.registry.FindByUser(m.ReceiverID); target != nil && target != c {
		reply(target, out)
	}
}

func (d *Dispatcher) rejectMessage(c *Client, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRecipient), errors.Is(err, service.ErrEmptyMessage):
		drop(c, reasonMissingFields, err)
	case errors.Is(err, service.ErrMessageTooLong):
		metrics.MessagesRejected.WithLabelValues("too_long").Inc()
		reply(c, errorFrame{Type: "error", Error: errTooLong})
	case errors.Is(err, service.ErrDailyLimitReached):
		metrics.MessagesRejected.WithLabelValues("quota").Inc()
		reply(c, errorFrame{
			Type:            "error",
			Error:           fmt.Sprintf("Daily message limit reached (%d messages)", d.messages.DailyLimit()),
			UpgradeRequired: true,
		})
	case errors.Is(err, service.ErrContentCensored):
		metrics.MessagesRejected.WithLabelValues("censored").Inc()
		reply(c, errorFrame{Type: "error", Error: errCensored, UpgradeRequired: true, Censored: true})
	default:
		metrics.MessagesRejected.WithLabelValues("persistence").Inc()
		log.Error().Err(err).Str("conn_id", c.id).Uint("user_id", c.userID).Msg("send message")
		reply(c, errorFrame{Type: "error", Error: errSendFailed})
	}
}

func (d *Dispatcher) typing(c *Client, f Frame) {
	if f.ReceiverID == nil || f.IsTyping == nil {
		drop(c, reasonMissingFields, nil)
		return
	}
	if target := d.registry.FindByUser(*f.ReceiverID); target != nil {
		reply(target, typingFrame{Type: "typing", UserID: c.userID, IsTyping: *f.IsTyping})
	}
}

func (d *Dispatcher) markRead(ctx context.Context, c *Client, f Frame) {
	if f.SenderID == nil || *f.SenderID == 0 {
		drop(c, reasonMissingFields, nil)
		return
	}
	dctx, cancel := context.WithTimeout(ctx, d.dbTimeout)
	defer cancel()
	n, err := d.messages.MarkRead(dctx, c.userID, *f.SenderID)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Uint("user_id", c.userID).Msg("mark read")
		reply(c, errorFrame{Type: "error", Error: errMarkReadFailed})
		return
	}
	log.Debug().Uint("user_id", c.userID).Uint("sender_id", *f.SenderID).Int64("rows", n).Msg("messages marked read")
	if target := d.registry.FindByUser(*f.SenderID); target != nil {
		reply(target, messagesReadFrame{Type: "messages_read", ReaderID: c.userID})
	}
}

func (d *Dispatcher) loadConversation(ctx context.Context, c *Client, f Frame) {
	if f.OtherUserID == nil || *f.OtherUserID == 0 {
		drop(c, reasonMissingFields, nil)
		return
	}
	limit := 0
	if f.Limit != nil {
		limit = *f.Limit
	}
	var beforeID uint
	if f.BeforeID != nil {
		beforeID = *f.BeforeID
	}

	dctx, cancel := context.WithTimeout(ctx, d.dbTimeout)
	defer cancel()
	msgs, err := d.messages.LoadConversation(dctx, c.userID, *f.OtherUserID, limit, beforeID)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Uint("user_id", c.userID).Msg("load conversation")
		reply(c, errorFrame{Type: "error", Error: errLoadFailed})
		return
	}
	if msgs == nil {
		msgs = []service.MessageDTO{}
	}
	reply(c, conversationFrame{Type: "conversation_loaded", OtherUserID: *f.OtherUserID, Messages: msgs})
}

// Disconnect 在连接关闭时调用；仅当用户最后一条连接断开时记为离线。
func (d *Dispatcher) Disconnect(c *Client) {
	userID, last, ok := d.registry.Unregister(c)
	if !ok {
		return
	}
	c.userID = 0
	if last {
		d.markOffline(userID)
	}
}

// markOffline 不使用连接上下文，关停期间也要落库。
// 持锁后重新查询注册表：用户已经重新连上时不写离线。
func (d *Dispatcher) markOffline(userID uint) {
	unlock := d.locks.lock(userID)
	defer unlock()
	if d.registry.FindByUser(userID) != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.dbTimeout)
	defer cancel()
	if err := d.presence.MarkOffline(ctx, userID); err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("mark offline")
	}
}

func reply(c *Client, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("encode frame")
		return
	}
	c.push(b)
}

func drop(c *Client, reason string, err error) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	lvl := zerolog.DebugLevel
	if reason == reasonRateLimited {
		lvl = zerolog.WarnLevel
	}
	log.WithLevel(lvl).Err(err).Str("conn_id", c.id).Uint("user_id", c.userID).Str("reason", reason).Msg("frame dropped")
}
