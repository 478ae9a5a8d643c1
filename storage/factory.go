package storage

import (
	"fmt"
	"sort"

	"github.com/anoixa/imagestore/config"
	"go.uber.org/zap"
)

// Factory 存储工厂 - 负责创建和管理存储提供者
type Factory struct {
	providers       map[string]Provider
	defaultProvider string
}

// NewFactory 按配置初始化存储提供者，默认存储初始化失败时返回错误
func NewFactory(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	factory := &Factory{
		providers:       make(map[string]Provider),
		defaultProvider: cfg.StorageType,
	}

	builders := map[string]func() (Provider, error){}
	if cfg.StorageLocalPath != "" {
		builders["local"] = func() (Provider, error) { return NewLocalStorage(cfg.StorageLocalPath) }
	}
	if cfg.MinioEndpoint != "" {
		builders["minio"] = func() (Provider, error) {
			return NewMinioStorage(MinioConfig{
				Endpoint:        cfg.MinioEndpoint,
				AccessKeyID:     cfg.MinioAccessKeyID,
				SecretAccessKey: cfg.MinioSecretAccessKey,
				UseSSL:          cfg.MinioUseSSL,
				BucketName:      cfg.MinioBucketName,
			})
		}
	}
	if cfg.WebDAVURL != "" {
		builders["webdav"] = func() (Provider, error) {
			return NewWebDAVStorage(WebDAVConfig{
				URL:      cfg.WebDAVURL,
				Username: cfg.WebDAVUsername,
				Password: cfg.WebDAVPassword,
				RootPath: cfg.WebDAVRootPath,
				Timeout:  cfg.WebDAVTimeout,
			})
		}
	}

	for name, build := range builders {
		provider, err := build()
		if err != nil {
			if name == factory.defaultProvider {
				return nil, fmt.Errorf("failed to initialize default storage '%s': %w", name, err)
			}
			logger.Warn("[Storage] 初始化存储失败", zap.String("storage", name), zap.Error(err))
			continue
		}
		factory.providers[name] = provider
		logger.Info("[Storage] 存储已初始化", zap.String("storage", provider.Name()))
	}

	if _, ok := factory.providers[factory.defaultProvider]; !ok {
		return nil, fmt.Errorf("default storage type '%s' is not configured", factory.defaultProvider)
	}

	return factory, nil
}

// NewFactoryWithProvider 只有一个存储的工厂，测试中常用
func NewFactoryWithProvider(name string, provider Provider) *Factory {
	return &Factory{
		providers:       map[string]Provider{name: provider},
		defaultProvider: name,
	}
}

// Get 获取指定名称的存储提供者
func (f *Factory) Get(name string) (Provider, error) {
	if name == "" {
		name = f.defaultProvider
	}

	provider, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("storage provider '%s' not found", name)
	}
	return provider, nil
}

// GetDefault 获取默认存储提供者
func (f *Factory) GetDefault() Provider {
	return f.providers[f.defaultProvider]
}

// GetDefaultName 获取默认存储提供者名称
func (f *Factory) GetDefaultName() string {
	return f.defaultProvider
}

// ListProviders 列出所有可用的存储提供者名称
func (f *Factory) ListProviders() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
