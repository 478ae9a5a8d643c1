// Package memory 基于 ristretto 的进程内缓存
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anoixa/imagestore/cache/types"
	"github.com/dgraph-io/ristretto"
)

const (
	defaultMaxEntries  = 100000
	defaultBufferItems = 64
)

// Memory 进程内缓存，值以 JSON 保存，每个条目成本为 1，MaxEntries 即条目上限
type Memory struct {
	cache *ristretto.Cache
}

// Config 内存缓存配置
type Config struct {
	MaxEntries  int64
	BufferItems int64
	Metrics     bool
}

// Stats 命中统计，未开启 Metrics 时为零值
type Stats struct {
	Hits   uint64  `json:"hits"`
	Misses uint64  `json:"misses"`
	Ratio  float64 `json:"ratio"`
}

// NewMemory 创建内存缓存
func NewMemory(cfg Config) (*Memory, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = defaultBufferItems
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Set 写入缓存，ttl<=0 表示不过期
// 被准入策略拒绝的写入视为成功，后续读取按未命中处理
func (m *Memory) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
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
	if m.cache.SetWithTTL(key, data, 1, ttl) {
		m.cache.Wait()
	}
	return nil
}

// Get 读取缓存，无法解码的条目会被删除并按未命中返回
func (m *Memory) Get(ctx context.Context, key string, dest interface{}) error {
	value, found := m.cache.Get(key)
	if !found {
		return types.ErrCacheMiss
	}
	data, ok := value.([]byte)
	if !ok || json.Unmarshal(data, dest) != nil {
		m.cache.Del(key)
		return types.ErrCacheMiss
	}
	return nil
}

// Delete 删除缓存项
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.cache.Del(key)
	return nil
}

// Exists 检查缓存项是否存在
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, found := m.cache.Get(key)
	return found, nil
}

// Stats 返回命中统计
func (m *Memory) Stats() Stats {
	metrics := m.cache.Metrics
	if metrics == nil {
		return Stats{}
	}
	return Stats{
		Hits:   metrics.Hits(),
		Misses: metrics.Misses(),
		Ratio:  metrics.Ratio(),
	}
}

// Close 释放缓存
func (m *Memory) Close() error {
	m.cache.Close()
	return nil
}

// Name 返回缓存提供者名称
func (m *Memory) Name() string {
	return "memory"
}
