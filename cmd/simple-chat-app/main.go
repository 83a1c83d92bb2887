package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MahbubHasan777/simple-chat-app/internal/server"
	"github.com/MahbubHasan777/simple-chat-app/pkg/config"
	"github.com/MahbubHasan777/simple-chat-app/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
