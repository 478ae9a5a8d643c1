package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/internal/app"
	"github.com/anoixa/imagestore/utils"
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "imagestore",
	Short: "Content-addressed image store with post image sequencing",
	Run: func(cmd *cobra.Command, args []string) {
		serveCmd.Run(cmd, args)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (eg: /etc/imagestore/config.yaml)")
}

// bootstrap 加载配置并初始化容器
func bootstrap() (*app.Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	container := app.NewContainer(cfg, logger)
	if err := container.Init(); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}
	if err := container.AutoMigrate(); err != nil {
		_ = container.Close()
		return nil, err
	}
	return container, nil
}

// runWithContainer 初始化容器并执行 fn，收到 SIGINT/SIGTERM 时取消 context
func runWithContainer(name string, fn func(ctx context.Context, c *app.Container) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := bootstrap()
	if err != nil {
		log.Fatalf("%s failed: %v", name, err)
	}

	runErr := fn(ctx, container)

	_ = container.Logger().Sync()
	if err := container.Close(); err != nil {
		log.Printf("Error closing container: %v", err)
	}
	if runErr != nil {
		log.Fatalf("%s failed: %v", name, runErr)
	}
}
