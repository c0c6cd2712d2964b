package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"qrattend/internal/config"
	"qrattend/internal/logger"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Worker consumes attendance confirmations and delivers them to students.
func main() {
	cfg := config.Load()
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logger.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != "redis" {
		log.Error("the worker needs QUEUE_BACKEND=redis; the in-memory queue only lives inside the api process")
		os.Exit(1)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn("redis not reachable yet, consumer will keep retrying", "addr", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, "", logger.WithComponent("queue"))
	log.Info("worker started, waiting for messages")
	if err := queue.DeliverConfirmations(ctx, q, log); err != nil {
		log.Error("queue consume init failed", "error", err)
		os.Exit(1)
	}

	log.Info("worker stopped")
}
