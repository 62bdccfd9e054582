// Package main provides the orchestrator's long-running service entry
// point: the HTTP service surface (spec §6), the continuous Pool
// Scheduler, the Resource Reclaimer, and the daily wall-clock Scheduler.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/aceteam/ace-orchestrator/internal/adapter/board"
	"github.com/aceteam/ace-orchestrator/internal/adapter/instruction"
	"github.com/aceteam/ace-orchestrator/internal/adapter/observability"
	"github.com/aceteam/ace-orchestrator/internal/adapter/pluginconfig"
	"github.com/aceteam/ace-orchestrator/internal/adapter/queue/redpanda"
	"github.com/aceteam/ace-orchestrator/internal/adapter/remoteclient"
	"github.com/aceteam/ace-orchestrator/internal/adapter/repo/postgres"
	"github.com/aceteam/ace-orchestrator/internal/adapter/sentinel"
	"github.com/aceteam/ace-orchestrator/internal/adapter/session"
	"github.com/aceteam/ace-orchestrator/internal/adapter/workspace"
	"github.com/aceteam/ace-orchestrator/internal/app"
	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	dbPool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbPool.Close()

	var lim ratelimiter.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis URL parse failed, rate limiting disabled", slog.Any("error", err))
		} else {
			rdb := redis.NewClient(opts)
			buckets := map[string]ratelimiter.BucketConfig{
				"core":    ratelimiter.NewBucketConfigFromPerMinute(cfg.RemoteMaxRetries * 60),
				"graphql": ratelimiter.NewBucketConfigFromPerMinute(cfg.RemoteMaxRetries * 60),
				"search":  ratelimiter.NewBucketConfigFromPerMinute(30),
			}
			lim = ratelimiter.NewRedisLuaLimiter(rdb, dbPool, buckets)
		}
	}

	remote := remoteclient.New(cfg, lim)
	boardAdapter := board.New(remote)
	workspaceMgr := workspace.New(cfg.WorkspaceRoot)
	sessions := session.New()
	plugins := pluginconfig.New()
	instructions := instruction.New(cfg)
	sentinelStore := sentinel.New(dbPool)

	projectID, found, err := boardAdapter.FindProjectID(ctx, cfg.GitHubOrg, cfg.GitHubProjectName)
	if err != nil {
		slog.Error("project board lookup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if !found {
		slog.Error("project board not found", slog.String("org", cfg.GitHubOrg), slog.String("project", cfg.GitHubProjectName))
		os.Exit(1)
	}

	queueProducer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "ace-orchestrator-http-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueProducer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	queueBuilder := app.NewWorkQueueBuilder(boardAdapter, remote, cfg, projectID, nil)
	workflow := app.NewItemWorkflow(boardAdapter, remote, workspaceMgr, sessions, plugins, instructions, nil, sentinelStore, cfg, projectID)
	pool := app.NewPool(queueBuilder, workflow, remote, cfg)

	queueConsumer, err := redpanda.NewConsumerWithTransactionalID(
		cfg.KafkaBrokers, "ace-orchestrator-consumers", "ace-orchestrator-consumer-producer", cfg.MaxAgents, pool,
	)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueConsumer.Close(); err != nil {
			slog.Error("failed to close queue consumer", slog.Any("error", err))
		}
	}()
	go func() {
		if err := queueConsumer.Start(ctx); err != nil {
			slog.Error("queue consumer stopped", slog.Any("error", err))
		}
	}()

	reclaimer := app.NewReclaimer(sessions, pool, cfg)
	scheduler := app.NewScheduler(pool, cfg.SchedulerTimeOfDay, cfg.SchedulerTimezone, cfg.PollInterval())

	pool.TryRunContinuous(ctx, cfg.PollInterval(), reclaimer.Sweep)

	router := app.BuildRouter(cfg, app.RouterDeps{
		Pool:      pool,
		Scheduler: scheduler,
		Publisher: queueProducer,
		Version:   "dev",
	})

	srv := &http.Server{
		Addr:         ":" + portString(cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", slog.Any("error", err))
	}
	scheduler.Stop()
	pool.Shutdown()
	slog.Info("orchestrator stopped")
}

func portString(port int) string {
	if port <= 0 {
		return "8080"
	}
	return strconv.Itoa(port)
}
