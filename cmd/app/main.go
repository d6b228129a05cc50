package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gjteam-bot/internal/alipay"
	"gjteam-bot/internal/cache"
	"gjteam-bot/internal/config"
	"gjteam-bot/internal/gateway"
	"gjteam-bot/internal/httpserver"
	"gjteam-bot/internal/ledger"
	"gjteam-bot/internal/logging"
	"gjteam-bot/internal/metrics"
	"gjteam-bot/internal/payment"
	"gjteam-bot/internal/repo"
	"gjteam-bot/internal/ticket"
	"gjteam-bot/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting gjteam-bot", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var repository repo.Repository
	if cfg.DatabaseIsPostgres() {
		repository, err = repo.NewPostgres(ctx, cfg.DatabaseURL, migrations.Files, logger)
	} else {
		repository, err = repo.NewSQLite(ctx, cfg.DatabaseURL, migrations.Files, logger)
	}
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	channels := gateway.NewLogChannelManager(logger)
	notifier := gateway.NewLogNotifier(logger)

	coinLedger := ledger.New(repository, redisClient, ledger.Config{
		DefaultBalance:   int64(cfg.EconomyDefaultBalance),
		ChatEarnAmount:   int64(cfg.ChatEarnAmount),
		ChatEarnCooldown: cfg.ChatEarnCooldown,
	}, logger, metricRegistry)

	engine := payment.New(repository, coinLedger, notifier, payment.Config{
		ConversionRate: int64(cfg.RechargeConversionRate),
		DefaultBalance: int64(cfg.EconomyDefaultBalance),
		QueueSize:      64,
	}, logger, metricRegistry)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	go engine.Run(engineCtx)

	verifier, err := alipay.NewVerifier(cfg.AlipayPublicKey, logger)
	if err != nil {
		return fmt.Errorf("init alipay verifier: %w", err)
	}
	if !verifier.Configured() {
		logger.Warn("alipay public key not configured, notify verification will reject callbacks")
	}
	notifyHandler := alipay.NewNotifyHandler(verifier, cfg.AlipayAppID, engine, logger, metricRegistry)

	ticketManager := ticket.New(repository, channels, notifier, ticket.Config{
		CloseDeleteRetries: cfg.TicketCloseDeleteRetries,
		CloseDeleteBackoff: cfg.TicketCloseDeleteBackoff,
	}, logger, metricRegistry)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		AlipayNotify: notifyHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Tickets:    ticketManager,
		Ledger:     coinLedger,
		Payments:   engine,
		Cache:      redisClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	engineCancel()

	return nil
}
