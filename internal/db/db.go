package db

import (
	"context"
	"time"

	"chatserver/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	var err error
	for i := 0; i < 10; i++ {
		var gdb *gorm.DB
		gdb, err = open(ctx, dsn)
		if err == nil {
			return gdb, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("db not ready")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(500+i*200) * time.Millisecond):
		}
	}
	return nil, err
}

func open(ctx context.Context, dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

// Migrate 仅在本地开发时使用，线上表结构由站点自身维护。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Message{}, &models.MessageLimit{}, &models.RefreshToken{})
}

// Ping 供健康检查使用。
func Ping(ctx context.Context, gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
