// Package storage 变体文件的对象存储后端：本地目录、MinIO、WebDAV
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist 对象不存在，Get 与 Delete 返回
var ErrNotExist = errors.New("storage object does not exist")

// Provider 按存储路径读写对象
// 路径形如 original/ab/cd/<fingerprint>.jpg，由 IsValidStoragePath 校验
type Provider interface {
	// SaveWithContext 覆盖写入
	SaveWithContext(ctx context.Context, storagePath string, r io.Reader) error
	GetWithContext(ctx context.Context, storagePath string) (io.ReadSeeker, error)
	DeleteWithContext(ctx context.Context, storagePath string) error
	Exists(ctx context.Context, storagePath string) (bool, error)
	Health(ctx context.Context) error
	Name() string
}

// Lister 可遍历的后端，clean 命令用它查找孤儿文件
type Lister interface {
	// Walk 按路径回调 prefix 下的每个对象，fn 返回错误时停止
	Walk(ctx context.Context, prefix string, fn func(storagePath string) error) error
}
