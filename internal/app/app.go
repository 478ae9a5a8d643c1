// Package app 依赖注入容器
package app

import (
	"errors"
	"fmt"

	"github.com/anoixa/imagestore/cache"
	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database"
	"github.com/anoixa/imagestore/database/repo/images"
	"github.com/anoixa/imagestore/database/repo/posts"
	"github.com/anoixa/imagestore/internal/image"
	"github.com/anoixa/imagestore/internal/post"
	"github.com/anoixa/imagestore/internal/variant"
	"github.com/anoixa/imagestore/internal/worker"
	"github.com/anoixa/imagestore/storage"
	"github.com/anoixa/imagestore/utils"
	"github.com/anoixa/imagestore/utils/keylock"
	"go.uber.org/zap"
)

// Container 依赖注入容器 - 管理所有服务的生命周期
type Container struct {
	config *config.Config
	logger *zap.Logger

	databaseFactory *database.Factory
	storageFactory  *storage.Factory
	cacheProvider   cache.Provider
	pool            *worker.Pool
	locks           *keylock.KeyLock

	Ledger    *images.LedgerRepository
	PostRepo  *posts.Repository
	Store     *image.Store
	Uploads   *image.UploadService
	Reaper    *image.ReapScanner
	Sequencer *post.Sequencer
	Auditor   *image.Auditor
}

// NewContainer 创建新的依赖注入容器
func NewContainer(cfg *config.Config, logger *zap.Logger) *Container {
	return &Container{
		config: cfg,
		logger: utils.OrNop(logger),
	}
}

// Init 初始化数据库、存储、缓存和所有服务
func (c *Container) Init() error {
	c.logger.Debug("[Container] 初始化依赖")

	if err := c.initDatabaseFactory(); err != nil {
		return fmt.Errorf("failed to initialize database factory: %w", err)
	}
	if err := c.initStorageFactory(); err != nil {
		return fmt.Errorf("failed to initialize storage factory: %w", err)
	}
	if err := c.initCache(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	c.initServices()

	c.logger.Debug("[Container] 依赖初始化完成")
	return nil
}

func (c *Container) initDatabaseFactory() error {
	factory, err := database.NewFactory(c.config, c.logger)
	if err != nil {
		return err
	}
	c.databaseFactory = factory
	return nil
}

func (c *Container) initStorageFactory() error {
	factory, err := storage.NewFactory(c.config, c.logger)
	if err != nil {
		return err
	}
	c.storageFactory = factory
	return nil
}

func (c *Container) initCache() error {
	provider, err := cache.NewProvider(c.config)
	if err != nil {
		return err
	}
	c.cacheProvider = provider
	c.logger.Debug("[Container] 缓存已就绪", zap.String("provider", provider.Name()))
	return nil
}

func (c *Container) initServices() {
	db := c.databaseFactory.GetProvider().DB()

	c.pool = worker.NewPool(c.config.GetWorkerCount(), c.config.WorkerQueueSize, worker.WithLogger(c.logger))
	c.locks = keylock.New(0)

	c.Ledger = images.NewLedgerRepository(db, c.cacheProvider, c.config.CacheTTL, c.logger)
	c.PostRepo = posts.NewRepository(db)
	c.Store = image.NewStore(c.storageFactory.GetDefault(), c.config, c.logger)

	gen := variant.NewGenerator(variant.OptionsFromConfig(c.config))
	c.Uploads = image.NewUploadService(c.config, c.Ledger, c.Store, gen, c.pool, c.locks, c.logger)
	c.Reaper = image.NewReapScanner(c.config, c.Ledger, c.Store, c.locks, c.logger)
	c.Sequencer = post.NewSequencer(c.config, c.PostRepo, c.Ledger, c.Store, c.locks, c.logger)
	c.Auditor = image.NewAuditor(c.Ledger, c.PostRepo, c.Store, c.locks, c.logger)
}

// AutoMigrate 迁移数据库表结构
func (c *Container) AutoMigrate() error {
	return c.databaseFactory.AutoMigrate()
}

// GetConfig 获取配置
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// Logger 获取日志
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// GetDatabaseProvider 获取数据库提供者
func (c *Container) GetDatabaseProvider() database.Provider {
	if c.databaseFactory == nil {
		return nil
	}
	return c.databaseFactory.GetProvider()
}

// GetStorage 获取默认存储
func (c *Container) GetStorage() storage.Provider {
	if c.storageFactory == nil {
		return nil
	}
	return c.storageFactory.GetDefault()
}

// GetCache 获取缓存提供者
func (c *Container) GetCache() cache.Provider {
	return c.cacheProvider
}

// WorkerStats 协程池统计
func (c *Container) WorkerStats() worker.Stats {
	if c.pool == nil {
		return worker.Stats{}
	}
	return c.pool.GetStats()
}

// Close 关闭所有服务，回收器需由调用方先停止
func (c *Container) Close() error {
	c.logger.Debug("[Container] 关闭依赖")

	var errList []error
	if c.pool != nil {
		c.pool.Stop()
	}
	if c.cacheProvider != nil {
		if err := c.cacheProvider.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close cache: %w", err))
		}
	}
	if c.databaseFactory != nil {
		if err := c.databaseFactory.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errList...)
}
