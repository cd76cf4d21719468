package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lowc1012/rate-limit-proxy/internal/config"
	"github.com/lowc1012/rate-limit-proxy/internal/log"
	"github.com/lowc1012/rate-limit-proxy/internal/proxy"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Logger().Fatal("failed to load settings", zap.Error(err))
	}

	logger := log.Setup(cfg.Observability.LogLevel)
	defer func() { _ = logger.Sync() }()

	server, err := proxy.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build proxy", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
