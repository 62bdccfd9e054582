// Package main provides the drain-once CLI runner (spec's CLI surface): it
// processes the work queue to empty and exits, rather than running as a
// long-lived service. Intended for cron-style invocation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aceteam/ace-orchestrator/internal/adapter/board"
	"github.com/aceteam/ace-orchestrator/internal/adapter/instruction"
	"github.com/aceteam/ace-orchestrator/internal/adapter/observability"
	"github.com/aceteam/ace-orchestrator/internal/adapter/pluginconfig"
	"github.com/aceteam/ace-orchestrator/internal/adapter/remoteclient"
	"github.com/aceteam/ace-orchestrator/internal/adapter/repo/postgres"
	"github.com/aceteam/ace-orchestrator/internal/adapter/sentinel"
	"github.com/aceteam/ace-orchestrator/internal/adapter/session"
	"github.com/aceteam/ace-orchestrator/internal/adapter/workspace"
	"github.com/aceteam/ace-orchestrator/internal/app"
	"github.com/aceteam/ace-orchestrator/internal/config"
)

func main() {
	target := flag.String("target", "remote", "which agents to run: local|remote|any")
	maxIssues := flag.Int("max-issues", 0, "maximum issues to process this run (0 = unlimited)")
	checkInterval := flag.Int("check-interval", 30, "seconds between drain re-checks")
	secretsBackend := flag.String("secrets-backend", "env", "where to resolve agent credentials: secret-manager|env")
	flag.Parse()

	switch *target {
	case "local", "remote", "any":
	default:
		fmt.Fprintf(os.Stderr, "invalid --target %q: must be local, remote, or any\n", *target)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg.Target = *target
	cfg.MaxIssuesPerRun = *maxIssues
	cfg.SecretsBackend = *secretsBackend

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)

	ctx := context.Background()

	dbPool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbPool.Close()

	remote := remoteclient.New(cfg, nil)
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

	queueBuilder := app.NewWorkQueueBuilder(boardAdapter, remote, cfg, projectID, nil)
	workflow := app.NewItemWorkflow(boardAdapter, remote, workspaceMgr, sessions, plugins, instructions, nil, sentinelStore, cfg, projectID)
	pool := app.NewPool(queueBuilder, workflow, remote, cfg)

	slog.Info("drain: starting", slog.String("target", cfg.Target), slog.Int("max_issues", cfg.MaxIssuesPerRun))
	pool.RunUntilEmpty(ctx, time.Duration(*checkInterval)*time.Second)
	pool.Shutdown()

	if msg := pool.FatalError(); msg != "" {
		slog.Error("drain: finished with fatal error", slog.String("error", msg))
		os.Exit(1)
	}
	slog.Info("drain: finished successfully")
}
