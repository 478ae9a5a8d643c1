package cmd

import (
	"context"

	"github.com/anoixa/imagestore/cache/memory"
	"github.com/anoixa/imagestore/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd 以守护进程方式运行回收扫描器
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reap scanner until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Serve", runServer)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer(ctx context.Context, c *app.Container) error {
	cfg := c.GetConfig()
	logger := c.Logger()

	logger.Info("[Serve] 服务启动",
		zap.String("database", c.GetDatabaseProvider().Name()),
		zap.String("storage", c.GetStorage().Name()),
		zap.String("cache", c.GetCache().Name()),
		zap.Duration("reap_interval", cfg.ReapInterval),
		zap.Int("workers", cfg.GetWorkerCount()))

	c.Reaper.Start()

	<-ctx.Done()
	logger.Info("[Serve] 收到退出信号，正在停止")

	c.Reaper.Stop()

	stats := c.WorkerStats()
	logger.Info("[Serve] 已退出",
		zap.Uint64("tasks_executed", stats.Executed),
		zap.Uint64("tasks_failed", stats.Failed))

	if mem, ok := c.GetCache().(*memory.Memory); ok {
		cs := mem.Stats()
		logger.Info("[Serve] 指纹缓存统计",
			zap.Uint64("hits", cs.Hits),
			zap.Uint64("misses", cs.Misses),
			zap.Float64("ratio", cs.Ratio))
	}
	return nil
}
