package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatserver/internal/auth"
	"chatserver/internal/config"
	"chatserver/internal/models"

	"gorm.io/gorm"
)

// UserService 负责聊天客户端取得 access token 所需的账号流程。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

type UserDTO struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	IsPremium bool   `json:"is_premium"`
}

// Register 用户名大小写不敏感地去重。
func (s *UserService) Register(ctx context.Context, username, password string) (*UserDTO, error) {
	username = strings.TrimSpace(username)
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("LOWER(username) = ?", strings.ToLower(username)).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &UserDTO{ID: user.ID, Username: user.Username, IsPremium: user.IsPremium}, nil
}

// TokenPair 登录或刷新后返回的 token 对。
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	User         *UserDTO `json:"user,omitempty"`
}

// Login 校验用户名密码并签发 token 对；access token 同时用于 websocket auth 帧。
func (s *UserService) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("LOWER(username) = ?", strings.ToLower(strings.TrimSpace(username))).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	pair, err := s.issue(s.db.WithContext(ctx), user.ID)
	if err != nil {
		return nil, err
	}
	pair.User = &UserDTO{ID: user.ID, Username: user.Username, IsPremium: user.IsPremium}
	return pair, nil
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*TokenPair, error) {
	var pair *TokenPair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		pair, err = s.issue(tx, rec.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *UserService) issue(tx *gorm.DB, userID uint) (*TokenPair, error) {
	at, err := auth.GenerateAccessToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(tx, userID, rt, exp); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: at, RefreshToken: rt}, nil
}
