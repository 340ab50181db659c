// Command forge runs the build orchestrator daemon: it loads configuration,
// opens the journaled registry/quota stores and the plan graph database,
// wires the agent pipeline and Temporal worker, and serves until a signal
// tells it to stop. It carries no HTTP or gRPC transport of its own (spec
// §1 non-goals) — coreapi.API is the library surface a future transport, or
// a CLI subcommand, would call into.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/forgebase/orchestrator/internal/agentpipeline"
	"github.com/forgebase/orchestrator/internal/autofix"
	"github.com/forgebase/orchestrator/internal/config"
	"github.com/forgebase/orchestrator/internal/coreapi"
	"github.com/forgebase/orchestrator/internal/graph"
	"github.com/forgebase/orchestrator/internal/model"
	"github.com/forgebase/orchestrator/internal/orchestrator"
	"github.com/forgebase/orchestrator/internal/quota"
	"github.com/forgebase/orchestrator/internal/registry"
	"github.com/forgebase/orchestrator/internal/specstore"
	"github.com/forgebase/orchestrator/internal/worker"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// quotaDefaults adapts config.Config.QuotaFor (returns config.TenantQuota)
// to the func(string) model.TenantQuota shape quota.Open requires — the two
// types share field names but live in different packages, so nothing else
// in the tree can satisfy quota.Open's defaultsFn parameter directly.
func quotaDefaults(cfg *config.Config) func(string) model.TenantQuota {
	return func(canonicalTenantID string) model.TenantQuota {
		q := cfg.QuotaFor(canonicalTenantID)
		return model.TenantQuota{
			ActivePreviewsLimit:   q.ActivePreviewsLimit,
			SnapshotRatePerMinute: q.SnapshotRatePerMinute,
			LLMMonthlyBudgetCents: q.LLMMonthlyBudgetCents,
		}
	}
}

func main() {
	configPath := flag.String("config", "forge.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	workerOnly := flag.Bool("worker-only", false, "skip the quota tick loop; the temporal worker and status loop still run")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("forge starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	specs, err := specstore.Open(cfg.General.DataDir+"/specs.jsonl", cfg.Journal.SchemaVersion)
	if err != nil {
		logger.Error("failed to open spec store", "error", err)
		os.Exit(1)
	}
	defer specs.Close()

	reg, err := registry.Open(cfg.Journal.BuildsPath, cfg.Journal.SchemaVersion)
	if err != nil {
		logger.Error("failed to open build registry", "path", cfg.Journal.BuildsPath, "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	q, err := quota.Open(cfg.Journal.QuotaPath, cfg.Journal.SchemaVersion, quotaDefaults(cfg))
	if err != nil {
		logger.Error("failed to open quota manager", "path", cfg.Journal.QuotaPath, "error", err)
		os.Exit(1)
	}
	defer q.Close()

	graphPath := cfg.General.DataDir + "/plans.sqlite"
	g, err := graph.Open(graphPath)
	if err != nil {
		logger.Error("failed to open graph store", "path", graphPath, "error", err)
		os.Exit(1)
	}
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var security *agentpipeline.SecurityAgent
	security, err = agentpipeline.NewSecurityAgent(ctx)
	if err != nil {
		logger.Error("failed to prepare security policy", "error", err)
		os.Exit(1)
	}
	devops, err := agentpipeline.NewDevOpsAgent("")
	if err != nil {
		logger.Warn("devops sandbox unavailable, devops stage will fail closed", "error", err)
		devops = nil
	}
	agents := agentpipeline.NewRegistry(security, devops)

	temporalClient, err := client.Dial(client.Options{HostPort: cfg.Orchestrator.TemporalHostPort})
	if err != nil {
		logger.Error("failed to dial temporal", "host_port", cfg.Orchestrator.TemporalHostPort, "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	pool := worker.NewPool(cfg.Orchestrator.MaxConcurrentBuilds)

	activities := &orchestrator.Activities{
		Registry:      reg,
		Graph:         g,
		Agents:        agents,
		Locker:        agentpipeline.NewPathLocker(),
		Breakers:      autofix.NewBreakerManager(),
		Pool:          pool,
		WorkspaceRoot: cfg.General.WorkspaceRoot,
		Logger:        logger.With("component", "activities"),
	}

	driver := &orchestrator.Driver{
		Temporal: temporalClient,
		Config:   cfg,
		Registry: reg,
		Graph:    g,
		Agents:   activities,
	}

	api := coreapi.New(cfg, specs, reg, q, g, driver, pool, logger.With("component", "coreapi"))

	go func() {
		logger.Info("starting temporal worker", "task_queue", cfg.Orchestrator.TaskQueue)
		if err := orchestrator.StartWorker(cfg, activities); err != nil {
			logger.Error("temporal worker stopped", "error", err)
		}
	}()

	if !*workerOnly {
		go runQuotaTickLoop(ctx, q, cfg.Tenancy.ResetTick.Duration, logger.With("component", "quota"))
	}

	go runStatusLoop(ctx, api, logger.With("component", "status"))

	logger.Info("forge running", "data_dir", cfg.General.DataDir, "workspace_root", cfg.General.WorkspaceRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			reloaded, err := config.Load(*configPath)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			cfgManager.Set(reloaded)
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("forge stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			cancel()
			return
		}
	}
}

// runQuotaTickLoop drives quota.Manager.Tick on the configured interval so
// snapshot-rate and LLM-spend windows reset on schedule even with no
// incoming admission checks.
func runQuotaTickLoop(ctx context.Context, q *quota.Manager, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Tick(); err != nil {
				logger.Warn("quota tick failed", "error", err)
			}
		}
	}
}

// runStatusLoop periodically logs a coarse summary via coreapi, the
// smallest possible consumer of the facade until a transport is built on
// top of it.
func runStatusLoop(ctx context.Context, api *coreapi.API, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries := api.Quota.Audit()
			logger.Info("status tick", "quota_audit_entries", fmt.Sprint(len(entries)))
		}
	}
}
