// Package dbtest 测试用的 SQLite 数据库
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/anoixa/imagestore/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLite 在临时目录创建已迁移的 SQLite 数据库
// 只开一个连接，事务内外的访问完全串行
func NewSQLite(t testing.TB) *database.GormProvider {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(database.SQLiteDSN(path)), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	provider := database.NewProviderFromDB(db, "sqlite")
	if err := provider.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })

	return provider
}
