// Package main runs the background job worker (session stats finalization).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamgrid/backend/config"
	"github.com/streamgrid/backend/internal/sessions"
	"github.com/streamgrid/backend/internal/worker"
	"github.com/streamgrid/backend/pkg/database"
	"github.com/streamgrid/backend/pkg/netclient"
	"github.com/streamgrid/backend/pkg/queue"
	"github.com/streamgrid/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	sessionRepo := sessions.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	httpClient := netclient.New(logger, netclient.Options{
		Timeout:    cfg.Network.Timeout,
		Retries:    cfg.Network.Retries,
		RetryDelay: cfg.Network.RetryDelay,
		CacheTTL:   cfg.Network.CacheTTL,
	})
	notifier := worker.NewStatsNotifier(httpClient, cfg.Network.WebhookURL, logger)
	processor := worker.NewSessionStatsProcessor(sessionRepo, jobQueue, notifier, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
