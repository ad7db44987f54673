// Package queue drives scan jobs through their lifecycle: claim, per-chain
// scanning, the post-scan pipeline and finish. It also re-enqueues monitored
// wallets and returns expired claims to the queue. Persistence is delegated to
// the JobStore; every collaborator is an interface so the engine can be
// exercised without a database or RPC endpoints.
package queue

import (
	"context"
	"time"

	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/storage"
	"github.com/allowance-scanner/internal/types"
)

// JobStore is the durable queue
type JobStore interface {
	Enqueue(ctx context.Context, spec models.JobSpec) (int64, error)
	Claim(ctx context.Context, limit int) ([]*models.Job, error)
	Finish(ctx context.Context, id int64, ok bool, errMsg string) (*storage.FinishResult, error)
	Release(ctx context.Context, id int64) (*storage.FinishResult, error)
	ReapStale(ctx context.Context, lease time.Duration) ([]storage.ReapedJob, error)
	CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error)
}

// Enqueuer is the part of JobStore the monitor scheduler needs
type Enqueuer interface {
	Enqueue(ctx context.Context, spec models.JobSpec) (int64, error)
}

// ChainScanner refreshes a wallet's allowances on one chain
type ChainScanner interface {
	ScanChain(ctx context.Context, wallet string, chain types.ChainID) error
}

// RiskRefresher recomputes risk scores for a wallet's allowances
type RiskRefresher interface {
	RefreshRisk(ctx context.Context, wallet string) error
}

// MetadataEnricher fills token symbols and spender labels
type MetadataEnricher interface {
	EnrichMetadata(ctx context.Context, wallet string) error
}

// DriftChecker compares the wallet's allowances with the previous scan and
// notifies on alert-worthy changes
type DriftChecker interface {
	CheckDrift(ctx context.Context, wallet string) error
}

// MonitorStore is the monitor table as seen by the engine
type MonitorStore interface {
	DueMonitors(ctx context.Context, now time.Time, limit int) ([]*models.WalletMonitor, error)
	TouchLastScan(ctx context.Context, wallet string, at time.Time) (bool, error)
}

// CacheInvalidator evicts cached read paths for a wallet
type CacheInvalidator interface {
	InvalidateWallet(ctx context.Context, wallet string) (int, error)
}

// Processor executes one claimed job
type Processor interface {
	Process(ctx context.Context, job *models.Job) error
}

// Pipeline runs the post-scan steps for a wallet
type Pipeline interface {
	Run(ctx context.Context, wallet string) error
}
