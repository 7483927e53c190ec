package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"swap-router/internal/app"
	"swap-router/internal/config"
	"swap-router/internal/log"
	"swap-router/internal/store"
)

func main() {
	var (
		configPath string
		port       int
		inMemory   bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.IntVar(&port, "port", 0, "覆盖 server.port")
	flag.BoolVar(&inMemory, "memory", false, "使用内存数据库，重启后订单历史丢失")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if inMemory {
		cfg.Database.InMemory = true
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	db, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	swapApp := app.New(cfg, logger, db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := swapApp.Run(ctx); err != nil {
		logger.Error("兑换服务运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("兑换服务已安全退出", zap.Int("port", cfg.Server.Port))
}
