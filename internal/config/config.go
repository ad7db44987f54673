// Package config provides configuration management for the allowance scanner.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/allowance-scanner/internal/types"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chains   ChainsConfig
	Jobs     JobsConfig
	Monitor  MonitorConfig
	Cache    CacheConfig
	Notify   NotifyConfig
	Cron     CronConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         string
	Host         string
	RateLimitRPS int // per-client requests per second on the public endpoints
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// form used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds chain configuration
type ChainsConfig struct {
	Enabled []types.ChainID
	Chains  map[types.ChainID]ChainConfig
	Budget  RPCBudgetConfig
}

// RPCBudgetConfig sizes the compute-unit budget shared by all workers through
// Redis. CUPerWindow 0 disables it.
type RPCBudgetConfig struct {
	CUPerWindow int
	Window      time.Duration
	MaxWait     time.Duration
}

// ChainConfig holds configuration for a specific chain
type ChainConfig struct {
	RPCURL            string
	RequestsPerSecond float64
	LookbackBlocks    uint64 // how far back to search Approval logs; 0 means from genesis
	LogRangeBlocks    uint64 // max block span per eth_getLogs request
	CUPerWindow       int    // overrides the shared budget for this chain; 0 keeps it
}

// JobsConfig holds job queue settings
type JobsConfig struct {
	MaxAttempts    int
	ChainTimeout   time.Duration
	BatchSize      int
	PollInterval   time.Duration
	Concurrency    int
	LeaseTimeout   time.Duration
	ReapInterval   time.Duration
	MaxErrorLength int
}

// JobTimeout is the hard bound on one job run. It leaves a tenth of the
// lease for recording the outcome, so the reaper never takes back a job whose
// worker is still running it.
func (j JobsConfig) JobTimeout() time.Duration {
	return j.LeaseTimeout - j.LeaseTimeout/10
}

// MonitorConfig holds passive monitoring settings
type MonitorConfig struct {
	BatchSize int
	Interval  time.Duration
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// NotifyConfig holds drift notification configuration
type NotifyConfig struct {
	SlackWebhookURL string
	SlackChannel    string
}

// CronConfig guards the externally triggered batch endpoints
type CronConfig struct {
	Secret string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	chains, err := loadChainConfigs()
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			RateLimitRPS: getEnvAsInt("SERVER_RATE_LIMIT_RPS", 5),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "allowance_scanner"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "allowance_scanner"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Chains: chains,
		Jobs: JobsConfig{
			MaxAttempts:    getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
			ChainTimeout:   getEnvAsDuration("JOB_CHAIN_TIMEOUT", 60*time.Second),
			BatchSize:      getEnvAsInt("JOB_BATCH_SIZE", 10),
			PollInterval:   getEnvAsDuration("JOB_POLL_INTERVAL", 5*time.Second),
			Concurrency:    getEnvAsInt("JOB_WORKER_CONCURRENCY", 4),
			LeaseTimeout:   getEnvAsDuration("JOB_LEASE_TIMEOUT", 15*time.Minute),
			ReapInterval:   getEnvAsDuration("JOB_REAP_INTERVAL", time.Minute),
			MaxErrorLength: getEnvAsInt("JOB_MAX_ERROR_LENGTH", 5000),
		},
		Monitor: MonitorConfig{
			BatchSize: getEnvAsInt("MONITOR_BATCH_SIZE", 25),
			Interval:  getEnvAsDuration("MONITOR_INTERVAL", time.Minute),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		},
		Notify: NotifyConfig{
			SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnv("SLACK_CHANNEL", ""),
		},
		Cron: CronConfig{
			Secret: getEnv("CRON_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the queue cannot operate with
func (c *Config) Validate() error {
	switch {
	case c.Jobs.MaxAttempts <= 0:
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive, got %d", c.Jobs.MaxAttempts)
	case c.Jobs.ChainTimeout <= 0:
		return fmt.Errorf("JOB_CHAIN_TIMEOUT must be positive, got %v", c.Jobs.ChainTimeout)
	case c.Jobs.BatchSize <= 0:
		return fmt.Errorf("JOB_BATCH_SIZE must be positive, got %d", c.Jobs.BatchSize)
	case c.Jobs.Concurrency <= 0:
		return fmt.Errorf("JOB_WORKER_CONCURRENCY must be positive, got %d", c.Jobs.Concurrency)
	case c.Jobs.LeaseTimeout <= 0:
		return fmt.Errorf("JOB_LEASE_TIMEOUT must be positive, got %v", c.Jobs.LeaseTimeout)
	case c.Jobs.JobTimeout() <= c.Jobs.ChainTimeout*time.Duration(len(c.Chains.Enabled)):
		return fmt.Errorf("JOB_LEASE_TIMEOUT (%v) leaves a job %v, which does not cover JOB_CHAIN_TIMEOUT (%v) for %d chains plus the post-scan pipeline",
			c.Jobs.LeaseTimeout, c.Jobs.JobTimeout(), c.Jobs.ChainTimeout, len(c.Chains.Enabled))
	case c.Jobs.MaxErrorLength <= 0:
		return fmt.Errorf("JOB_MAX_ERROR_LENGTH must be positive, got %d", c.Jobs.MaxErrorLength)
	case c.Monitor.BatchSize <= 0:
		return fmt.Errorf("MONITOR_BATCH_SIZE must be positive, got %d", c.Monitor.BatchSize)
	case c.Chains.Budget.CUPerWindow < 0:
		return fmt.Errorf("RPC_CU_PER_WINDOW cannot be negative, got %d", c.Chains.Budget.CUPerWindow)
	case len(c.Chains.Enabled) == 0:
		return fmt.Errorf("ENABLED_CHAINS must name at least one chain")
	}
	return nil
}

// loadChainConfigs loads chain-specific configurations.
// Per-chain variables are prefixed by the chain name (ETHEREUM_RPC_URL) or,
// for chains without a built-in name, CHAIN_<id>_ (CHAIN_324_RPC_URL).
func loadChainConfigs() (ChainsConfig, error) {
	var enabled []types.ChainID
	chains := make(map[types.ChainID]ChainConfig)

	for _, raw := range strings.Split(getEnv("ENABLED_CHAINS", "1,10,137,8453,42161"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		chainID, err := types.ParseChainID(raw)
		if err != nil {
			return ChainsConfig{}, fmt.Errorf("invalid ENABLED_CHAINS entry: %w", err)
		}
		if _, dup := chains[chainID]; dup {
			continue
		}

		prefix := chainEnvPrefix(chainID)
		lookback := getEnvAsInt(prefix+"_LOOKBACK_BLOCKS", 0)
		logRange := getEnvAsInt(prefix+"_LOG_RANGE_BLOCKS", 50000)
		if lookback < 0 || logRange <= 0 {
			return ChainsConfig{}, fmt.Errorf("%s block ranges must be non-negative", prefix)
		}

		chains[chainID] = ChainConfig{
			RPCURL:            getEnv(prefix+"_RPC_URL", ""),
			RequestsPerSecond: getEnvAsFloat(prefix+"_RPS", 10),
			LookbackBlocks:    uint64(lookback),
			LogRangeBlocks:    uint64(logRange),
			CUPerWindow:       getEnvAsInt(prefix+"_CU_PER_WINDOW", 0),
		}
		enabled = append(enabled, chainID)
	}

	return ChainsConfig{
		Enabled: enabled,
		Chains:  chains,
		Budget: RPCBudgetConfig{
			CUPerWindow: getEnvAsInt("RPC_CU_PER_WINDOW", 0),
			Window:      getEnvAsDuration("RPC_CU_WINDOW", time.Second),
			MaxWait:     getEnvAsDuration("RPC_CU_MAX_WAIT", 30*time.Second),
		},
	}, nil
}

func chainEnvPrefix(chainID types.ChainID) string {
	if chainID.IsKnown() {
		return strings.ToUpper(chainID.String())
	}
	return fmt.Sprintf("CHAIN_%d", chainID)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
