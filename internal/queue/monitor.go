package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
)

// DefaultMonitorBatchSize caps the monitors handled per run
const DefaultMonitorBatchSize = 25

// MonitorEnqueue reports what happened to one due monitor
type MonitorEnqueue struct {
	Wallet    string `json:"wallet"`
	JobID     int64  `json:"jobId"`
	Duplicate bool   `json:"duplicate"`
}

// MonitorScheduler re-enqueues scans for monitored wallets whose interval
// has elapsed
type MonitorScheduler struct {
	monitors    MonitorStore
	jobs        Enqueuer
	chains      []types.ChainID
	batchSize   int
	maxAttempts int
	reporter    Reporter
	now         func() time.Time
}

// MonitorSchedulerConfig holds scheduler settings
type MonitorSchedulerConfig struct {
	Monitors    MonitorStore
	Jobs        Enqueuer
	Chains      []types.ChainID
	BatchSize   int
	MaxAttempts int
	Reporter    Reporter
	Now         func() time.Time
}

// NewMonitorScheduler creates a new scheduler
func NewMonitorScheduler(cfg MonitorSchedulerConfig) (*MonitorScheduler, error) {
	if cfg.Monitors == nil {
		return nil, fmt.Errorf("monitor store cannot be nil")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultMonitorBatchSize
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &MonitorScheduler{
		monitors:    cfg.Monitors,
		jobs:        cfg.Jobs,
		chains:      cfg.Chains,
		batchSize:   batch,
		maxAttempts: attempts,
		reporter:    reporterOrNop(cfg.Reporter),
		now:         now,
	}, nil
}

// RunDueMonitors enqueues a scan for every due monitor, up to the batch size.
// A wallet that already has an active scan counts as handled. Enqueue failures
// for individual wallets do not stop the run; they are joined into the
// returned error alongside the results that did succeed.
func (s *MonitorScheduler) RunDueMonitors(ctx context.Context) ([]MonitorEnqueue, error) {
	due, err := s.monitors.DueMonitors(ctx, s.now(), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select due monitors: %w", err)
	}

	log := logging.FromContext(ctx).WithField("component", "monitor-scheduler")

	results := make([]MonitorEnqueue, 0, len(due))
	var errs []error
	duplicates := 0
	for _, m := range due {
		spec := models.NewScanWalletSpec(m.WalletAddress, s.chains, s.maxAttempts)
		id, err := s.jobs.Enqueue(ctx, spec)
		switch {
		case err == nil:
			results = append(results, MonitorEnqueue{Wallet: m.WalletAddress, JobID: id})
		case errors.Is(err, apperrors.ErrDuplicateActiveJob):
			duplicates++
			results = append(results, MonitorEnqueue{Wallet: m.WalletAddress, JobID: id, Duplicate: true})
		default:
			log.WithWallet(m.WalletAddress).WithError(err).Error("failed to enqueue monitored wallet")
			errs = append(errs, fmt.Errorf("enqueue %s: %w", m.WalletAddress, err))
		}
	}

	s.reporter.MonitorsEnqueued(len(results)-duplicates, duplicates)
	if len(due) > 0 {
		log.WithFields(logging.Fields{
			"due":        len(due),
			"enqueued":   len(results) - duplicates,
			"duplicates": duplicates,
			"failed":     len(errs),
		}).Info("monitor run complete")
	}

	return results, errors.Join(errs...)
}
