package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"chatserver/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Remaining 为负数时表示不限量，序列化为 "Unlimited"。
type Remaining int

const Unlimited Remaining = -1

func (r Remaining) MarshalJSON() ([]byte, error) {
	if r < 0 {
		return []byte(`"Unlimited"`), nil
	}
	return strconv.AppendInt(nil, int64(r), 10), nil
}

// LimitInfo 随 new_message 一起返回给发送方，用于前端展示剩余条数。
type LimitInfo struct {
	IsPremium bool      `json:"is_premium"`
	Limit     int       `json:"limit"`
	SentToday int       `json:"sent_today"`
	Remaining Remaining `json:"remaining"`
}

func newLimitInfo(premium bool, limit, sent int) LimitInfo {
	if premium {
		return LimitInfo{IsPremium: true, Limit: limit, Remaining: Unlimited}
	}
	rem := limit - sent
	if rem < 0 {
		rem = 0
	}
	return LimitInfo{Limit: limit, SentToday: sent, Remaining: Remaining(rem)}
}

// dayOf 把时间折算为配额时区下的自然日，统一存成 UTC 零点。
func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sameOrAfter(stored, today time.Time) bool {
	s := time.Date(stored.Year(), stored.Month(), stored.Day(), 0, 0, 0, 0, time.UTC)
	return !s.Before(today)
}

// isPremium 查不到用户时按非会员处理。
func isPremium(tx *gorm.DB, userID uint) (bool, error) {
	var user models.User
	err := tx.Select("id", "is_premium").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsPremium, nil
}

// sentToday 读取当天计数；记录日期早于今天时视为 0，真正的重置发生在下一次递增。
func sentToday(tx *gorm.DB, userID uint, today time.Time) (int, error) {
	var lim models.MessageLimit
	err := tx.Where("user_id = ?", userID).First(&lim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !sameOrAfter(lim.LastResetDate, today) {
		return 0, nil
	}
	return lim.MessagesSent, nil
}

// incrementSent 原子地“跨天重置并加一”，返回递增后的计数。
func incrementSent(tx *gorm.DB, userID uint, today time.Time) (int, error) {
	lim := models.MessageLimit{UserID: userID, MessagesSent: 1, LastResetDate: today}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"messages_sent":   gorm.Expr("CASE WHEN message_limits.last_reset_date < ? THEN 1 ELSE message_limits.messages_sent + 1 END", today),
			"last_reset_date": today,
		}),
	}).Create(&lim).Error
	if err != nil {
		return 0, err
	}
	var cur models.MessageLimit
	if err := tx.Where("user_id = ?", userID).First(&cur).Error; err != nil {
		return 0, err
	}
	return cur.MessagesSent, nil
}

// QuotaInfo 返回用户当前的配额状态。
func (s *MessageService) QuotaInfo(ctx context.Context, userID uint) (LimitInfo, error) {
	tx := s.db.WithContext(ctx)
	premium, err := isPremium(tx, userID)
	if err != nil {
		return LimitInfo{}, err
	}
	if premium {
		return newLimitInfo(true, s.dailyLimit, 0), nil
	}
	sent, err := sentToday(tx, userID, dayOf(s.now(), s.loc))
	if err != nil {
		return LimitInfo{}, err
	}
	return newLimitInfo(false, s.dailyLimit, sent), nil
}
