package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/app"
	"github.com/SirClappington/pubsched/internal/config"
	"github.com/SirClappington/pubsched/internal/logging"
)

// A headless scheduler node. Run as many as needed next to cmd/api; they
// coordinate through the shared item and coordination stores.
func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := app.New(ctx, cfg, app.Backends{}, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer node.Close()

	logger.Info("scheduler node started", zap.String("instance", node.Instance))
	if err := node.Run(ctx); err != nil {
		logger.Error("exit", zap.Error(err))
	}
}
