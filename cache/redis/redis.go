// Package redis 多进程共享的指纹索引缓存
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anoixa/imagestore/cache/types"
	"github.com/go-redis/redis/v8"
)

const dialTimeout = 5 * time.Second

// Config Redis 连接参数
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Redis 基于 go-redis 的缓存
type Redis struct {
	client *redis.Client
	addr   string
}

// NewRedis 连接并探测 Redis
func NewRedis(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{client: client, addr: cfg.Addr}, nil
}

// Set 写入 JSON 编码的值
func (r *Redis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache key must not be empty")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Get 读取并解码，无法解码的值会被删除并按未命中返回
func (r *Redis) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis GET %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		_ = r.client.Del(ctx, key).Err()
		return types.ErrCacheMiss
	}
	return nil
}

// Delete 删除键，键不存在不报错
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Exists 检查键是否存在
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close 关闭连接池
func (r *Redis) Close() error {
	return r.client.Close()
}

// Name 返回 redis:地址
func (r *Redis) Name() string {
	if r.addr == "" {
		return "redis"
	}
	return "redis:" + r.addr
}
