package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatserver/internal/config"
	"chatserver/internal/models"
	"chatserver/internal/moderation"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("chatserver/service")

// MessageService 负责私信的配额、审核、持久化与查询。
type MessageService struct {
	db           *gorm.DB
	moderator    *moderation.Moderator
	dailyLimit   int
	maxLength    int
	defaultLimit int
	maxLimit     int
	loc          *time.Location
	now          func() time.Time
}

func NewMessageService(db *gorm.DB, mod *moderation.Moderator, cfg config.Config) *MessageService {
	s := &MessageService{
		db:           db,
		moderator:    mod,
		dailyLimit:   cfg.DailyMessageLimit,
		maxLength:    cfg.MaxMessageLength,
		defaultLimit: cfg.HistoryDefaultLimit,
		maxLimit:     cfg.HistoryMaxLimit,
		loc:          cfg.Location(),
		now:          time.Now,
	}
	if s.dailyLimit <= 0 {
		s.dailyLimit = 25
	}
	if s.defaultLimit <= 0 {
		s.defaultLimit = 50
	}
	if s.maxLimit < s.defaultLimit {
		s.maxLimit = s.defaultLimit
	}
	return s
}

// DailyLimit 返回非会员每日可发送的条数。
func (s *MessageService) DailyLimit() int { return s.dailyLimit }

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID         uint       `json:"id"`
	SenderID   uint       `json:"sender_id"`
	ReceiverID uint       `json:"receiver_id"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	IsRead     bool       `json:"is_read"`
	ReadAt     *time.Time `json:"read_at"`
}

func toDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Message:    m.Message,
		CreatedAt:  m.CreatedAt,
		IsRead:     m.IsRead,
		ReadAt:     m.ReadAt,
	}
}

// SendResult 包含已入库的消息以及发送后的配额状态。
type SendResult struct {
	Message MessageDTO
	Limit   LimitInfo
}

// Send 依次执行配额检查、内容审核、入库（消息与计数同一事务）。
// 被拒绝的消息不会留下任何记录。
func (s *MessageService) Send(ctx context.Context, senderID, receiverID uint, body string) (*SendResult, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Send", trace.WithAttributes(
		attribute.Int64("sender_id", int64(senderID)),
		attribute.Int64("receiver_id", int64(receiverID)),
	))
	defer span.End()

	if receiverID == 0 {
		return nil, ErrInvalidRecipient
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}
	if s.maxLength > 0 && utf8.RuneCountInString(body) > s.maxLength {
		return nil, ErrMessageTooLong
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	today := dayOf(now, s.loc)
	db := s.db.WithContext(ctx)

	premium, err := isPremium(db, senderID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("load premium flag: %w", err))
	}
	if !premium {
		sent, err := sentToday(db, senderID, today)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("load message limit: %w", err))
		}
		if sent >= s.dailyLimit {
			span.SetAttributes(attribute.String("rejected", "daily_limit"))
			return nil, ErrDailyLimitReached
		}
		if pattern, hit := s.moderator.Match(body); hit {
			span.SetAttributes(attribute.String("rejected", "censored"), attribute.String("pattern", pattern))
			return nil, ErrContentCensored
		}
	}

	msg := models.Message{SenderID: senderID, ReceiverID: receiverID, Message: body, CreatedAt: now}
	sent := 0
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if premium {
			return nil
		}
		n, err := incrementSent(tx, senderID, today)
		if err != nil {
			return fmt.Errorf("increment message limit: %w", err)
		}
		// 并发发送可能同时通过预检，这里以事务内的计数为准。
		if n > s.dailyLimit {
			return ErrDailyLimitReached
		}
		sent = n
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDailyLimitReached) {
			return nil, err
		}
		return nil, s.fail(span, err)
	}

	return &SendResult{Message: toDTO(msg), Limit: newLimitInfo(premium, s.dailyLimit, sent)}, nil
}

func (s *MessageService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// MarkRead 把 senderID 发给 readerID 的未读消息全部标记为已读，返回受影响的行数。
func (s *MessageService) MarkRead(ctx context.Context, readerID, senderID uint) (int64, error) {
	ctx, span := tracer.Start(ctx, "MessageService.MarkRead")
	defer span.End()

	now := s.now().UTC().Truncate(time.Microsecond)
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND receiver_id = ? AND is_read = ?", senderID, readerID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		return 0, s.fail(span, res.Error)
	}
	return res.RowsAffected, nil
}

// LoadConversation 查询两人之间对 requester 可见的最近消息，按时间升序返回。
func (s *MessageService) LoadConversation(ctx context.Context, requesterID, otherID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	ctx, span := tracer.Start(ctx, "MessageService.LoadConversation")
	defer span.End()

	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	db := s.db.WithContext(ctx)
	q := db.Where(
		"((sender_id = ? AND receiver_id = ? AND deleted_by_sender = ?) OR (sender_id = ? AND receiver_id = ? AND deleted_by_receiver = ?))",
		requesterID, otherID, false, otherID, requesterID, false,
	)
	if beforeID > 0 {
		// 以 (created_at, id) 为游标，与排序键一致，翻页不会跳过或重复
		var anchor models.Message
		err := db.Select("id", "created_at").
			Where("id = ? AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))",
				beforeID, requesterID, otherID, otherID, requesterID).
			First(&anchor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []MessageDTO{}, nil
		}
		if err != nil {
			return nil, s.fail(span, err)
		}
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
	}

	var msgs []models.Message
	if err := q.Order("created_at desc").Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, s.fail(span, err)
	}

	// 反转为升序
	out := make([]MessageDTO, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = toDTO(m)
	}
	return out, nil
}

// DeleteForUser 只隐藏 userID 这一侧的消息，对方仍然可见。
func (s *MessageService) DeleteForUser(ctx context.Context, userID, messageID uint) error {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	updates := map[string]interface{}{}
	if userID == msg.SenderID {
		updates["deleted_by_sender"] = true
	}
	// 发给自己的消息两侧是同一个人
	if userID == msg.ReceiverID {
		updates["deleted_by_receiver"] = true
	}
	if len(updates) == 0 {
		return ErrMessageNotFound
	}
	return s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", msg.ID).Updates(updates).Error
}
