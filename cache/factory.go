package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/anoixa/imagestore/cache/memory"
	"github.com/anoixa/imagestore/cache/redis"
	"github.com/anoixa/imagestore/cache/types"
	"github.com/anoixa/imagestore/config"
)

// Provider 缓存提供者
type Provider = types.Provider

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = types.ErrCacheMiss

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return types.IsCacheMiss(err)
}

// NewProvider 按配置创建缓存提供者
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.CacheType {
	case "memory", "":
		return memory.NewMemory(memory.Config{MaxEntries: cfg.CacheMaxEntries, Metrics: true})
	case "redis":
		return redis.NewRedis(redis.Config{
			Addr:     cfg.CacheRedisAddr,
			Password: cfg.CacheRedisPassword,
			DB:       cfg.CacheRedisDB,
		})
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.CacheType)
	}
}

// Noop 不缓存任何内容
type Noop struct{}

func (Noop) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}

func (Noop) Get(ctx context.Context, key string, dest interface{}) error {
	return ErrCacheMiss
}

func (Noop) Delete(ctx context.Context, key string) error {
	return nil
}

func (Noop) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (Noop) Close() error {
	return nil
}

func (Noop) Name() string {
	return "none"
}
