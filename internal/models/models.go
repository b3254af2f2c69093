package models

import "time"

// User 只映射聊天服务需要的列，其余资料由站点其他部分维护。
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	IsPremium    bool   `gorm:"not null;default:false"`
	IsOnline     bool   `gorm:"not null;default:false"`
	LastSeen     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message 是一条私信。正文入库后不可修改，只有已读与双方各自的删除标记会变化。
type Message struct {
	ID                uint      `gorm:"primaryKey"`
	SenderID          uint      `gorm:"index:idx_msg_pair,priority:1;not null"`
	ReceiverID        uint      `gorm:"index:idx_msg_pair,priority:2;index;not null"`
	Message           string    `gorm:"type:text;not null"`
	CreatedAt         time.Time `gorm:"index"`
	IsRead            bool      `gorm:"not null;default:false"`
	ReadAt            *time.Time
	DeletedBySender   bool `gorm:"not null;default:false"`
	DeletedByReceiver bool `gorm:"not null;default:false"`
}

// MessageLimit 记录非会员用户当天已发送的消息数。
type MessageLimit struct {
	UserID        uint      `gorm:"primaryKey;autoIncrement:false"`
	MessagesSent  int       `gorm:"not null;default:0"`
	LastResetDate time.Time `gorm:"type:date;not null"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
