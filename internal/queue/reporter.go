package queue

import (
	"time"

	"github.com/allowance-scanner/internal/types"
)

// Reporter receives queue events. Implementations must be safe for
// concurrent use; they are called from every job goroutine.
type Reporter interface {
	JobClaimed(jobType types.JobType)
	JobFinished(jobType types.JobType, status types.JobStatus, elapsed time.Duration)
	ChainScanned(chain types.ChainID, elapsed time.Duration, err error)
	PipelineStep(step string, elapsed time.Duration, err error)
	MonitorsEnqueued(enqueued, duplicates int)
	JobsReaped(n int)
	QueueDepth(counts map[types.JobStatus]int64)
}

// NopReporter discards all events
type NopReporter struct{}

func (NopReporter) JobClaimed(types.JobType)                                  {}
func (NopReporter) JobFinished(types.JobType, types.JobStatus, time.Duration) {}
func (NopReporter) ChainScanned(types.ChainID, time.Duration, error)          {}
func (NopReporter) PipelineStep(string, time.Duration, error)                 {}
func (NopReporter) MonitorsEnqueued(int, int)                                 {}
func (NopReporter) JobsReaped(int)                                            {}
func (NopReporter) QueueDepth(map[types.JobStatus]int64)                      {}

func reporterOrNop(r Reporter) Reporter {
	if r == nil {
		return NopReporter{}
	}
	return r
}
