package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/allowance-scanner/internal/logging"
)

// DefaultLeaseTimeout is how long a job may stay running before it is
// considered abandoned
const DefaultLeaseTimeout = 15 * time.Minute

// Reaper returns jobs whose worker died mid-run to the queue
type Reaper struct {
	store    JobStore
	lease    time.Duration
	reporter Reporter
}

// NewReaper creates a reaper. Runners must bound each job below lease
// (RunnerConfig.JobTimeout) so only abandoned jobs are reaped.
func NewReaper(store JobStore, lease time.Duration, reporter Reporter) *Reaper {
	if lease <= 0 {
		lease = DefaultLeaseTimeout
	}
	return &Reaper{store: store, lease: lease, reporter: reporterOrNop(reporter)}
}

// Reap resets every expired running job and returns how many were reset
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	reaped, err := r.store.ReapStale(ctx, r.lease)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale jobs: %w", err)
	}

	r.reporter.JobsReaped(len(reaped))

	log := logging.FromContext(ctx).WithField("component", "reaper")
	for _, j := range reaped {
		log.WithFields(logging.Fields{
			"jobId":  j.ID,
			"status": j.Status,
			"lease":  r.lease.String(),
		}).Warn("reaped job with expired lease")
	}
	return len(reaped), nil
}
