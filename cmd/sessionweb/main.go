package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/kr/pretty"
	"go.uber.org/zap"

	"session-web/internal/app"
	"session-web/internal/infra/config"
	"session-web/internal/infra/logger"
)

// version переопределяется при сборке: -ldflags "-X main.version=..."
var version = "2.0.0"

func main() {
	// envPath определяет расположение .env с API-ключами и настройками.
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Init(cfg.Env.LogLevel)
	logger.InitFile(logger.FileOptions{
		Path:       cfg.Env.LogFile,
		Level:      cfg.Env.LogFileLevel,
		MaxSizeMB:  cfg.Env.LogFileMaxSize,
		MaxBackups: cfg.Env.LogFileMaxBackups,
		MaxAgeDays: cfg.Env.LogFileMaxAge,
		Compress:   cfg.Env.LogFileCompress,
	})
	defer logger.Sync()

	for _, msg := range cfg.Warnings() {
		logger.Warn(msg)
	}
	if logger.IsDebugEnabled() {
		logger.Debug("effective configuration", zap.String("env", pretty.Sprint(cfg.Redacted())))
	}

	// Контекст с обработкой Ctrl+C/SIGTERM; stop снимает подписку на сигналы.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runErr := app.New(cfg, version).Run(ctx); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	logger.Info("Graceful shutdown complete")
}
