package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/brontide/config"
	"github.com/sage-x-project/brontide/internal/metrics"
)

var (
	serveMetricsEnv       string
	serveMetricsConfigDir string
)

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Expose the Prometheus /metrics endpoint for this process",
	Long: `serve-metrics loads the effective configuration and, if metrics.enabled is
set, starts a standalone HTTP server exposing internal/metrics.Registry at
metrics.path on metrics.port. It blocks until interrupted (SIGINT/SIGTERM),
shutting the listener down gracefully.

This is the collaborator a long-running brontide process wires into a
supervisor alongside its actual peer-connection handling; brontide-cli
itself has no connections to instrument, so the endpoint only ever reports
whatever this process's own package-level counters have accumulated.`,
	Example: `  # Serve metrics for the "production" environment's configured port
  brontide-cli serve-metrics --env production`,
	RunE: runServeMetrics,
}

func init() {
	rootCmd.AddCommand(serveMetricsCmd)

	serveMetricsCmd.Flags().StringVarP(&serveMetricsEnv, "env", "e", "", "Environment to load (default: auto-detect)")
	serveMetricsCmd.Flags().StringVarP(&serveMetricsConfigDir, "config-dir", "d", "config", "Directory containing <env>.yaml config files")
}

func runServeMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{
		ConfigDir:   serveMetricsConfigDir,
		Environment: serveMetricsEnv,
		DotEnvPath:  ".env",
	})
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cfg.Metrics == nil || !cfg.Metrics.Enabled {
		return fmt.Errorf("metrics are disabled in the effective configuration (set metrics.enabled: true, or BRONTIDE_METRICS_ENABLED=true)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return metrics.StartServer(ctx, metrics.ServerConfig{
		Addr: fmt.Sprintf(":%d", cfg.Metrics.Port),
		Path: cfg.Metrics.Path,
	})
}
