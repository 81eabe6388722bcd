package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foreman/pkg/build"
	"foreman/pkg/channel"
	"foreman/pkg/claude"
	"foreman/pkg/config"
	"foreman/pkg/dispatch"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/session"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "foreman.yaml", "Path to YAML config file")
		dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
		agentBin    = flag.String("agent", "", "Agent binary to spawn (overrides config)")
		metricsAddr = flag.String("metrics-addr", "", "Prometheus listen address (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("foreman %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *dbPath, *agentBin, *metricsAddr))
}

// run contains the main application logic and returns an exit code so defers
// execute before the process exits.
func run(configPath, dbPath, agentBin, metricsAddr string) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if agentBin != "" {
		cfg.AgentBinary = agentBin
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	store, err := session.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("Failed to close store: %v", closeErr)
		}
	}()

	runner, err := claude.NewCLIRunner(cfg.AgentBinary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve agent binary: %v\n", err)
		return 1
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	// Ctx ends on SIGINT/SIGTERM or when a scheduled restart fires; the
	// supervisor is expected to start a fresh process.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch := dispatch.NewOrchestrator(store, runner, dispatch.NewGitWorktrees(cfg.WorktreeBaseDir), dispatch.Options{
		Updater:         build.NewUpdater(selfDir(logger)),
		Metrics:         recorder,
		MaxReviewRounds: cfg.MaxReviewRounds,
		MaxTurns:        cfg.MaxTurns,
		MaxSpendUSD:     cfg.MaxSpendUSD,
		Exit:            cancel,
	})

	orchEnd, transportEnd := channel.New()
	orch.RegisterTransport(ctx, "stdio", orchEnd)

	transport := newStdioTransport(orch, store, transportEnd, cfg.RestartGrace, os.Stdout)
	go transport.writeLoop(ctx)
	go transport.readLoop(ctx, os.Stdin)

	logger.Info("foreman %s ready (agent=%s db=%s)", version, cfg.AgentBinary, cfg.DBPath)
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownDone := make(chan struct{})
	go func() {
		orch.Wait()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(cfg.RestartGrace):
		logger.Warn("Shutdown grace elapsed with turns still in flight")
	}
	return 0
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics listener stopped: %v", err)
	}
}

// selfDir is the checkout the update command pulls and rebuilds. Running
// from a non-checkout directory makes update a no-op via the null backend.
func selfDir(logger *logx.Logger) string {
	wd, err := os.Getwd()
	if err != nil {
		logger.Warn("Cannot determine working directory: %v", err)
		return "."
	}
	return wd
}
