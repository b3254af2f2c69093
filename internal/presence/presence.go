// Package presence 维护 users 表中的在线状态与最后在线时间。
package presence

import (
	"context"
	"errors"
	"time"

	"chatserver/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

// Mirror 把在线状态同步到数据库以外的存储，失败不影响主流程。
type Mirror interface {
	SetOnline(ctx context.Context, userID uint, at time.Time) error
	SetOffline(ctx context.Context, userID uint, at time.Time) error
	Reset(ctx context.Context) error
}

type Status struct {
	UserID   uint       `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen"`
}

type Tracker struct {
	db     *gorm.DB
	mirror Mirror
	now    func() time.Time
}

// NewTracker 的 mirror 可以为 nil。
func NewTracker(db *gorm.DB, mirror Mirror) *Tracker {
	return &Tracker{db: db, mirror: mirror, now: time.Now}
}

func (t *Tracker) MarkOnline(ctx context.Context, userID uint) error {
	return t.set(ctx, userID, true)
}

func (t *Tracker) MarkOffline(ctx context.Context, userID uint) error {
	return t.set(ctx, userID, false)
}

func (t *Tracker) set(ctx context.Context, userID uint, online bool) error {
	at := t.now().UTC().Truncate(time.Microsecond)
	err := t.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"is_online": online, "last_seen": at}).Error
	if err != nil {
		return err
	}
	if t.mirror == nil {
		return nil
	}
	if online {
		err = t.mirror.SetOnline(ctx, userID, at)
	} else {
		err = t.mirror.SetOffline(ctx, userID, at)
	}
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Bool("online", online).Msg("presence mirror")
	}
	return nil
}

func (t *Tracker) Status(ctx context.Context, userID uint) (*Status, error) {
	var user models.User
	err := t.db.WithContext(ctx).Select("id", "is_online", "last_seen").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Status{UserID: user.ID, Online: user.IsOnline, LastSeen: user.LastSeen}, nil
}

// ResetAll 在启动时清理上次异常退出遗留的在线标记。
func (t *Tracker) ResetAll(ctx context.Context) (int64, error) {
	res := t.db.WithContext(ctx).Model(&models.User{}).Where("is_online = ?", true).Update("is_online", false)
	if res.Error != nil {
		return 0, res.Error
	}
	if t.mirror != nil {
		if err := t.mirror.Reset(ctx); err != nil {
			log.Warn().Err(err).Msg("presence mirror reset")
		}
	}
	return res.RowsAffected, nil
}
