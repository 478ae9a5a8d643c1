// Package types 缓存抽象，供 memory 与 redis 两种实现共用
package types

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss 键不存在、已过期或值无法解码
var ErrCacheMiss = errors.New("cache miss")

// Provider 指纹索引缓存
// 值按 JSON 编码，实现必须并发安全
type Provider interface {
	// Set ttl<=0 表示不过期
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
	Name() string
}

// IsCacheMiss 判断是否未命中
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
