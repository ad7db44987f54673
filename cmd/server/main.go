// Package main provides the API server entry point for the allowance scanner.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allowance-scanner/internal/api"
	"github.com/allowance-scanner/internal/app"
	"github.com/allowance-scanner/internal/config"
	"github.com/allowance-scanner/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	infra, err := app.Connect(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to databases")
	}
	defer infra.Close()

	// The server runs batches on demand through /api/jobs/process, so it
	// needs the full engine with its own claim identity.
	engine, err := app.NewEngine(context.Background(), cfg, infra, app.NewWorkerID("api"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to build job engine")
	}
	defer engine.Close()

	health := map[string]api.Pinger{
		"postgres": infra.Postgres,
		"redis":    infra.Redis,
	}
	if infra.ClickHouse != nil {
		health["clickhouse"] = infra.ClickHouse
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    5 * time.Minute, // /api/jobs/process runs a whole batch inline
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		CronSecret:      cfg.Cron.Secret,
		DefaultChains:   cfg.Chains.Enabled,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		BatchLimit:      cfg.Jobs.BatchSize,
	}

	server, err := api.NewServer(serverConfig, api.Dependencies{
		Jobs:       engine.Jobs,
		Batches:    engine.Runner,
		Monitors:   engine.Scheduler,
		MonitorDB:  engine.Monitors,
		Policies:   engine.Policies,
		Allowances: engine.Allowances,
		Cache:      engine.Cache,
		Health:     health,
		Metrics:    engine.Registry,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":      cfg.Server.Host,
		"port":      cfg.Server.Port,
		"worker_id": engine.WorkerID,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
