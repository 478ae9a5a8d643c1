package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anoixa/imagestore/config"
	"go.uber.org/zap"
)

// startupPingTimeout 启动时探测连接的超时
const startupPingTimeout = 5 * time.Second

var errNoProvider = errors.New("database provider not initialized")

// Factory 持有进程唯一的数据库连接
type Factory struct {
	provider Provider
	logger   *zap.Logger
}

// NewFactory 按配置打开数据库并确认可达
func NewFactory(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := NewGormProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database provider: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupPingTimeout)
	defer cancel()
	if err := provider.Ping(ctx); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("database %s unreachable: %w", provider.Name(), err)
	}

	logger.Info("[Database] 数据库已初始化", zap.String("type", provider.Name()))
	return &Factory{provider: provider, logger: logger}, nil
}

// GetProvider 获取数据库提供者
func (f *Factory) GetProvider() Provider {
	return f.provider
}

// AutoMigrate 建立 stored_images 与 post_images 两张表及其索引
func (f *Factory) AutoMigrate() error {
	if f.provider == nil {
		return errNoProvider
	}

	start := time.Now()
	if err := f.provider.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to auto migrate database: %w", err)
	}
	f.logger.Info("[Database] 表结构已同步", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Ping 检查数据库连接
func (f *Factory) Ping(ctx context.Context) error {
	if f.provider == nil {
		return errNoProvider
	}
	return f.provider.Ping(ctx)
}

// Close 关闭数据库连接，可重复调用
func (f *Factory) Close() error {
	if f.provider == nil {
		return nil
	}
	err := f.provider.Close()
	f.provider = nil
	return err
}
