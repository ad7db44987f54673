// Package app wires the stores, scanner and queue components shared by the
// server and worker binaries.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/allowance-scanner/internal/adapter"
	"github.com/allowance-scanner/internal/circuitbreaker"
	"github.com/allowance-scanner/internal/config"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/metrics"
	"github.com/allowance-scanner/internal/notifier"
	"github.com/allowance-scanner/internal/queue"
	"github.com/allowance-scanner/internal/ratelimit"
	"github.com/allowance-scanner/internal/retry"
	"github.com/allowance-scanner/internal/service"
	"github.com/allowance-scanner/internal/storage"
	"github.com/allowance-scanner/internal/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Infra holds the database connections. ClickHouse is nil when unreachable;
// snapshots are then skipped.
type Infra struct {
	Postgres   *storage.PostgresDB
	Redis      *storage.RedisCache
	ClickHouse *storage.ClickHouseDB
}

// Connect opens Postgres and Redis, which are required, and ClickHouse,
// which is not.
func Connect(cfg *config.Config) (*Infra, error) {
	logger := logging.GetGlobalLogger()
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	infra := &Infra{Postgres: postgres, Redis: redisCache}

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Warn("ClickHouse unavailable, drift snapshots disabled")
	} else {
		infra.ClickHouse = clickhouse
	}

	logger.Info("Database connections established")
	return infra, nil
}

// Close closes every open connection
func (i *Infra) Close() {
	if i.ClickHouse != nil {
		_ = i.ClickHouse.Close() // nolint:errcheck // shutdown path
	}
	_ = i.Redis.Close() // nolint:errcheck // shutdown path
	i.Postgres.Close()
}

// Engine is the assembled job queue: repositories, scanner, pipeline and the
// runners that drive them.
type Engine struct {
	WorkerID   string
	Jobs       *storage.JobRepository
	Monitors   *storage.MonitorRepository
	Policies   *storage.PolicyRepository
	Allowances *storage.AllowanceRepository
	Cache      *storage.CacheService
	Runner     *queue.Runner
	Scheduler  *queue.MonitorScheduler
	Reaper     *queue.Reaper
	Registry   *prometheus.Registry

	chains *adapter.DialedChains
}

// NewWorkerID returns a claim identity unique to this process
func NewWorkerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

// NewEngine dials the configured chains and builds the queue stack on infra.
func NewEngine(ctx context.Context, cfg *config.Config, infra *Infra, workerID string) (*Engine, error) {
	logger := logging.GetGlobalLogger().WithField("worker_id", workerID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reporter := metrics.NewPrometheusReporter(reg)

	jobs := storage.NewJobRepository(infra.Postgres, workerID, cfg.Jobs.MaxErrorLength)
	monitors := storage.NewMonitorRepository(infra.Postgres)
	policies := storage.NewPolicyRepository(infra.Postgres)
	allowances := storage.NewAllowanceRepository(infra.Postgres)
	cache := storage.NewCacheService(infra.Redis, cfg.Cache.TTL)

	var snapshots service.SnapshotStore = storage.NoopSnapshotStore{}
	if infra.ClickHouse != nil {
		snapshots = storage.NewSnapshotRepository(infra.ClickHouse)
	}

	dialed, err := adapter.DialChains(ctx, cfg.Chains)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chains: %w", err)
	}

	scannerCfg := adapter.ScannerConfig{
		Chains:  dialed.Endpoints,
		Store:   allowances,
		Retry:   retry.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig("rpc"),
	}
	budget, err := NewRPCBudget(cfg.Chains, infra.Redis.Client())
	if err != nil {
		dialed.Close()
		return nil, err
	}
	if budget != nil {
		scannerCfg.Budget = budget
		logger.WithField("cu_per_window", cfg.Chains.Budget.CUPerWindow).Info("Shared RPC budget enabled")
	}

	scanner, err := adapter.NewEVMAllowanceScanner(scannerCfg)
	if err != nil {
		dialed.Close()
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	drift := service.NewDriftDetector(allowances, snapshots, policies, NewNotifier(cfg.Notify))

	pipeline, err := queue.NewPostScanPipeline(queue.PostScanPipelineConfig{
		Risk:     service.NewRiskService(allowances),
		Metadata: service.NewMetadataService(allowances, scanner),
		Drift:    drift,
		Monitors: monitors,
		Cache:    cache,
		Reporter: reporter,
	})
	if err != nil {
		dialed.Close()
		return nil, err
	}

	orchestrator, err := queue.NewScanOrchestrator(queue.ScanOrchestratorConfig{
		Scanner:       scanner,
		Pipeline:      pipeline,
		DefaultChains: cfg.Chains.Enabled,
		ChainTimeout:  cfg.Jobs.ChainTimeout,
		Reporter:      reporter,
	})
	if err != nil {
		dialed.Close()
		return nil, err
	}

	runner, err := queue.NewRunner(queue.RunnerConfig{
		Store:       jobs,
		Processor:   orchestrator,
		Concurrency: cfg.Jobs.Concurrency,
		JobTimeout:  cfg.Jobs.JobTimeout(),
		Reporter:    reporter,
	})
	if err != nil {
		dialed.Close()
		return nil, err
	}

	scheduler, err := queue.NewMonitorScheduler(queue.MonitorSchedulerConfig{
		Monitors:    monitors,
		Jobs:        jobs,
		Chains:      cfg.Chains.Enabled,
		BatchSize:   cfg.Monitor.BatchSize,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Reporter:    reporter,
	})
	if err != nil {
		dialed.Close()
		return nil, err
	}

	logger.WithField("chains", len(dialed.Endpoints)).Info("Job engine initialized")

	return &Engine{
		WorkerID:   workerID,
		Jobs:       jobs,
		Monitors:   monitors,
		Policies:   policies,
		Allowances: allowances,
		Cache:      cache,
		Runner:     runner,
		Scheduler:  scheduler,
		Reaper:     queue.NewReaper(jobs, cfg.Jobs.LeaseTimeout, reporter),
		Registry:   reg,
		chains:     dialed,
	}, nil
}

// Close releases the chain clients
func (e *Engine) Close() {
	e.chains.Close()
}

// NewRPCBudget builds the shared compute-unit gate, or returns nil when
// CUPerWindow is 0.
func NewRPCBudget(cfg config.ChainsConfig, client redis.Cmdable) (*ratelimit.RPCBudget, error) {
	if cfg.Budget.CUPerWindow <= 0 {
		return nil, nil
	}

	overrides := make(map[types.ChainID]int)
	for id, chainCfg := range cfg.Chains {
		if chainCfg.CUPerWindow > 0 {
			overrides[id] = chainCfg.CUPerWindow
		}
	}

	tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:           client,
		BudgetPerWindow: cfg.Budget.CUPerWindow,
		ChainBudgets:    overrides,
		WindowSize:      cfg.Budget.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc budget: %w", err)
	}
	return ratelimit.NewRPCBudget(tracker, nil, cfg.Budget.MaxWait)
}

// NewNotifier returns the Slack notifier when a webhook is configured and a
// log-only notifier otherwise.
func NewNotifier(cfg config.NotifyConfig) notifier.Notifier {
	if cfg.SlackWebhookURL == "" {
		return notifier.LogNotifier{}
	}
	return notifier.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel)
}
