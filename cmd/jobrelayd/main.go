// Command jobrelayd is the orchestrator's process entrypoint: load
// configuration, connect to the store, start every worker, serve metrics,
// and shut down cleanly on SIGTERM/SIGINT.
//
// Binary entrypoint and config-loading plumbing are explicitly out of
// scope per SPEC_FULL.md §1; this is accordingly a thin wiring stub,
// grounded on cmd/worker/main.go's load-config/start-metrics-server/wait-
// for-signal shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/orchestrator"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := orchestrator.NewSlogLogger(slog.Default())

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}
	if err := cfg.IsValid(); err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	reg := metrics.New()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(":9090", mux); err != nil {
			logger.Error("metrics server error", "error", err.Error())
		}
	}()

	o := orchestrator.New(cfg, logger, reg)
	if err := o.Start(context.Background()); err != nil {
		logger.Error("failed to start orchestrator", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("jobrelayd started", "agents", len(cfg.ConfiguredAgents()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("signal received, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.Stop(ctx); err != nil {
		logger.Error("error during shutdown", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("jobrelayd stopped")
}
