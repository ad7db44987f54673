// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/metrics"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/queue"
	"github.com/allowance-scanner/internal/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for dependency injection and testing

// JobStore is the part of the job queue the API reads and writes
type JobStore interface {
	Enqueue(ctx context.Context, spec models.JobSpec) (int64, error)
	Get(ctx context.Context, id int64) (*models.Job, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error)
}

// BatchProcessor runs one claim/execute/finish batch
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, limit int) (*queue.BatchResult, error)
}

// MonitorRunner enqueues scans for due monitors
type MonitorRunner interface {
	RunDueMonitors(ctx context.Context) ([]queue.MonitorEnqueue, error)
}

// MonitorStore reads and writes monitor preferences
type MonitorStore interface {
	Get(ctx context.Context, wallet string) (*models.WalletMonitor, error)
	Upsert(ctx context.Context, m *models.WalletMonitor) (*models.WalletMonitor, error)
}

// PolicyStore reads and writes alert policies
type PolicyStore interface {
	Get(ctx context.Context, wallet string) (*models.AlertPolicy, error)
	Upsert(ctx context.Context, p *models.AlertPolicy) error
}

// AllowanceReader lists a wallet's current allowances
type AllowanceReader interface {
	ListByWallet(ctx context.Context, wallet string) ([]*models.Allowance, error)
}

// AllowanceCache is the read-path cache in front of AllowanceReader
type AllowanceCache interface {
	GenerateAllowancesKey(wallet string) string
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// Pinger is a dependency checked by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators behind the HTTP handlers. Cache, Health
// and Metrics are optional.
type Dependencies struct {
	Jobs       JobStore
	Batches    BatchProcessor
	Monitors   MonitorRunner
	MonitorDB  MonitorStore
	Policies   PolicyStore
	Allowances AllowanceReader
	Cache      AllowanceCache
	Health     map[string]Pinger
	Metrics    prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Dependencies
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int    // per-client requests per second, 0 disables
	CronSecret      string // required in X-Cron-Secret when set
	DefaultChains   []types.ChainID
	MaxAttempts     int
	BatchLimit      int // default and cap for /api/jobs/process
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) (*Server, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("job store cannot be nil")
	case deps.Batches == nil:
		return nil, fmt.Errorf("batch processor cannot be nil")
	case deps.Monitors == nil || deps.MonitorDB == nil:
		return nil, fmt.Errorf("monitor dependencies cannot be nil")
	case deps.Policies == nil:
		return nil, fmt.Errorf("policy store cannot be nil")
	case deps.Allowances == nil:
		return nil, fmt.Errorf("allowance reader cannot be nil")
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
	}

	s.setupRouter()

	return s, nil
}

// Handler returns the routed handler, middleware included
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Order matters: recovery wraps everything below it
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	if s.config.RateLimitRPS > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS)))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", metrics.Handler(s.deps.Metrics)).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Scan and job endpoints
	api.HandleFunc("/scans", s.handleEnqueueScan).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")

	// Wallet views
	api.HandleFunc("/wallets/{wallet}/jobs", s.handleListWalletJobs).Methods("GET")
	api.HandleFunc("/wallets/{wallet}/allowances", s.handleGetAllowances).Methods("GET")

	// Preferences
	api.HandleFunc("/monitors/{wallet}", s.handleGetMonitor).Methods("GET")
	api.HandleFunc("/monitors/{wallet}", s.handlePutMonitor).Methods("PUT")
	api.HandleFunc("/policies/{wallet}", s.handleGetPolicy).Methods("GET")
	api.HandleFunc("/policies/{wallet}", s.handlePutPolicy).Methods("PUT")

	// Cron triggers
	cron := CronSecretMiddleware(s.config.CronSecret)
	api.Handle("/jobs/process", cron(http.HandlerFunc(s.handleProcessJobs))).Methods("POST")
	api.Handle("/monitors/run", cron(http.HandlerFunc(s.handleRunMonitors))).Methods("POST")
}

// handleHealth pings every registered dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("dependency", name).Warn("Health check failed")
			checks[name] = "unavailable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "allowance-scanner",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
