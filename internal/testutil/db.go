// Package testutil 为各包测试提供基于内存 sqlite 的 gorm 实例。
package testutil

import (
	"fmt"
	"testing"

	"chatserver/internal/db"
	"chatserver/internal/models"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 每次返回一个独立的内存库，并完成表结构迁移。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// CreateUser 插入一个测试用户。
func CreateUser(t testing.TB, gdb *gorm.DB, username string, premium bool) models.User {
	t.Helper()
	u := models.User{Username: username, PasswordHash: "x", IsPremium: premium}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}
