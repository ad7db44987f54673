// Package main provides the queue worker entry point: it claims and runs
// scan jobs, enqueues due monitors and reaps expired leases.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allowance-scanner/internal/app"
	"github.com/allowance-scanner/internal/config"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/metrics"
	"github.com/allowance-scanner/internal/worker"
	"github.com/spf13/pflag"
)

func main() {
	var (
		metricsAddr = pflag.String("metrics-addr", "", "Address for the /metrics listener, empty disables it")
		noMonitors  = pflag.Bool("no-monitors", false, "Do not run the monitor scheduler loop")
		noReaper    = pflag.Bool("no-reaper", false, "Do not run the lease reaper loop")
	)
	pflag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Connect(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to databases")
	}
	defer infra.Close()

	workerID := app.NewWorkerID("worker")
	engine, err := app.NewEngine(ctx, cfg, infra, workerID)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build job engine")
	}
	defer engine.Close()

	wcfg := worker.Config{
		BatchSize:    cfg.Jobs.BatchSize,
		PollInterval: cfg.Jobs.PollInterval,
	}
	var (
		monitors worker.MonitorRunner
		reaper   worker.StaleReaper
	)
	if !*noMonitors {
		monitors = engine.Scheduler
		wcfg.MonitorInterval = cfg.Monitor.Interval
	}
	if !*noReaper {
		reaper = engine.Reaper
		wcfg.ReapInterval = cfg.Jobs.ReapInterval
	}

	w, err := worker.New(wcfg, engine.Runner, monitors, reaper)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create worker")
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(engine.Registry))
		metricsServer = &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	logger.WithFields(map[string]interface{}{
		"worker_id":   workerID,
		"batch_size":  wcfg.BatchSize,
		"concurrency": cfg.Jobs.Concurrency,
		"monitors":    monitors != nil,
		"reaper":      reaper != nil,
	}).Info("Worker started")

	runErr := w.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx) // nolint:errcheck // best effort on exit
		cancel()
	}

	if runErr != nil {
		logger.WithError(runErr).Error("Worker stopped with error")
		return
	}
	logger.Info("Worker stopped")
}
