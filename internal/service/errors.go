package service

import "errors"

// 业务层通用错误，handler 与 websocket 分发器根据错误类型映射到响应。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrDailyLimitReached = errors.New("daily message limit reached")
	ErrContentCensored   = errors.New("message contains contact information")
	ErrMessageTooLong    = errors.New("message too long")
	ErrEmptyMessage      = errors.New("empty message")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrMessageNotFound   = errors.New("message not found")
)
