package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cfxdevkit/cas-sub000/config"
	"github.com/cfxdevkit/cas-sub000/internal/chain"
	"github.com/cfxdevkit/cas-sub000/internal/health"
	"github.com/cfxdevkit/cas-sub000/internal/infrastructure/postgres"
	"github.com/cfxdevkit/cas-sub000/internal/keeper"
	ctxlog "github.com/cfxdevkit/cas-sub000/internal/log"
	"github.com/cfxdevkit/cas-sub000/internal/metrics"
	"github.com/cfxdevkit/cas-sub000/internal/notify"
	"github.com/cfxdevkit/cas-sub000/internal/price"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	gateway := chain.NewGatewayClient(cfg.GatewayURL, time.Duration(cfg.GatewayTimeoutSec)*time.Second)
	prices := price.NewHTTPSource(cfg.PriceAPIURL, time.Duration(cfg.PriceTimeoutSec)*time.Second)

	metrics.Register()
	checker := health.NewChecker(map[string]health.Pinger{
		"postgres": pool,
		"gateway":  gateway,
	}, logger, prometheus.DefaultRegisterer)

	jobStore := postgres.NewJobRepository(pool)
	execStore := postgres.NewExecutionRepository(pool)
	ownerRepo := postgres.NewOwnerRepository(pool)

	sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	notifier := notify.NewEmailNotifier(sender, ownerRepo.FindNotificationEmail, logger)

	retries := keeper.NewRetryQueue()
	executor := keeper.NewExecutor(
		jobStore,
		execStore,
		gateway,
		prices,
		retries,
		notifier,
		cfg.Safety,
		logger,
		cfg.TickConcurrency,
	)

	poller := keeper.NewJobPoller(
		executor,
		time.Duration(cfg.PollIntervalSec)*time.Second,
		metrics.HeartbeatTimestamp.SetToCurrentTime,
		logger,
	)
	poller.Start(ctx)

	reconciler := keeper.NewReconciler(jobStore, gateway, retries, logger)
	if err := reconciler.Start(ctx, cfg.ReconcileSchedule); err != nil {
		stop()
		log.Fatalf("reconciler: %v", err)
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	poller.Stop()
	reconciler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("keeper shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
