package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/darshan-rambhia/sweep/internal/api"
	"github.com/darshan-rambhia/sweep/internal/cache"
	"github.com/darshan-rambhia/sweep/internal/config"
	"github.com/darshan-rambhia/sweep/internal/credentials"
	"github.com/darshan-rambhia/sweep/internal/downloads"
	"github.com/darshan-rambhia/sweep/internal/engine"
	"github.com/darshan-rambhia/sweep/internal/metrics"
	"github.com/darshan-rambhia/sweep/internal/rules"
	"github.com/darshan-rambhia/sweep/internal/scheduler"
	"github.com/darshan-rambhia/sweep/internal/secrets"
	"github.com/darshan-rambhia/sweep/internal/store"
)

// @title Sweep API
// @version 1.0
// @description Rule-based automation for download-service accounts
// @host localhost:3900
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "", "path to sweep.yml config file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("sweep %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading %s: %s\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %s\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat))

	slog.Info("starting sweep",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
	)

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
	slog.Info("sweep stopped gracefully")
}

func run(cfg *config.Config) error {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	cipher, err := secrets.Bootstrap(st)
	if err != nil {
		return fmt.Errorf("loading server key: %w", err)
	}

	m := metrics.New()

	client := downloads.NewClient(cfg.Downloads.Client())
	client.SetObserver(m.ObserveDownloadRequest)

	creds := credentials.NewService(st, cipher)
	items := cache.New(client, cfg.ItemCacheTTL.Duration)
	sched := scheduler.New(scheduler.Config{
		TickInterval:      cfg.TickInterval.Duration,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	}, st, creds, items, engine.New(client), m)

	pruner := store.NewPruner(st, cfg.LogRetentionDays)
	pruner.OnPrune(m.LogsPruned)

	server := api.NewServer(cfg.Listen, api.Deps{
		Rules:   rules.NewService(st, cfg.MaxRulesPerTenant),
		Runner:  sched,
		Auth:    creds,
		Health:  st,
		Metrics: m,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return pruner.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started",
		"tick_interval", cfg.TickInterval.Duration,
		"max_concurrent_runs", cfg.MaxConcurrentRuns,
		"max_rules_per_tenant", cfg.MaxRulesPerTenant,
	)

	err = g.Wait()

	slog.Info("waiting for in-flight rule runs")
	sched.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
