package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/pubsched/internal/app"
	"github.com/SirClappington/pubsched/internal/config"
	"github.com/SirClappington/pubsched/internal/httpapi"
	"github.com/SirClappington/pubsched/internal/logging"
)

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

	api := httpapi.New(node.Planner, node.Timer, httpapi.Options{Token: cfg.APIToken}, logger)
	srv := &http.Server{Addr: cfg.APIAddr, Handler: api.Routes(), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(ctx) })
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.APIAddr), zap.String("instance", node.Instance))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("exit", zap.Error(err))
	}
}
