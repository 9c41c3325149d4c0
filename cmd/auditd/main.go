package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"equiaudit/internal/app"
	"equiaudit/internal/config"
	"equiaudit/internal/domain"
	httpinfra "equiaudit/internal/infra/http"
	"equiaudit/internal/infra/metrics"
	"equiaudit/internal/infra/ratelimit"
)

func main() {
	configPath := flag.String("config", os.Getenv("EQUIAUDIT_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a, err := app.New(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal("failed to init ledger", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	limiter, closeLimiter := newRateLimiter(ctx, cfg, logger)
	defer closeLimiter()

	srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Exports:     a.Exports,
		Ledger:      a.Ledger,
		Runs:        a.Runs,
		RateLimiter: limiter,
		Metrics:     m,
		Logger:      logger,
	})
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newRateLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (domain.RateLimiter, func()) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(ratelimit.MemoryOptions{MaxKeys: cfg.RateLimitMaxKeys}), func() {}
	}
	limiter, err := ratelimit.NewRedisLimiter(ratelimit.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Fatal("failed to init redis rate limiter", zap.Error(err))
	}
	if err := limiter.Ping(ctx); err != nil {
		logger.Warn("redis rate limiter unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return limiter, func() { _ = limiter.Close() }
}
