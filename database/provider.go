package database

import (
	"context"

	"github.com/anoixa/imagestore/database/models"
	"gorm.io/gorm"
)

// Provider 元数据库连接
// 账本和帖子仓库只取 DB()，迁移与关闭由容器负责
type Provider interface {
	DB() *gorm.DB
	AutoMigrate(models ...interface{}) error
	Ping(ctx context.Context) error
	Close() error
	// Name 数据库类型，sqlite 或 postgres
	Name() string
}

// Models 元数据表，按迁移顺序排列
func Models() []interface{} {
	return []interface{}{
		&models.StoredImage{},
		&models.PostImage{},
	}
}
