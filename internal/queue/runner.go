package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"golang.org/x/sync/semaphore"
)

// JobOutcome is the result of one job within a batch
type JobOutcome struct {
	JobID    int64           `json:"jobId"`
	Type     types.JobType   `json:"type"`
	Status   types.JobStatus `json:"status"`
	Attempts int             `json:"attempts"`
	Applied  bool            `json:"applied"`
	Released bool            `json:"released,omitempty"` // handed back uncharged because the batch was cancelled
	Error    string          `json:"error,omitempty"`
	// FinishError is set when the outcome could not be recorded
	FinishError string `json:"finishError,omitempty"`
}

// BatchResult summarizes one ProcessBatch call
type BatchResult struct {
	Claimed      int          `json:"claimed"`
	Succeeded    int          `json:"succeeded"`
	Retrying     int          `json:"retrying"`
	Failed       int          `json:"failed"`
	Released     int          `json:"released"`
	Stale        int          `json:"stale"`        // finish no longer applied (reaped or finished elsewhere)
	FinishErrors int          `json:"finishErrors"` // finish could not be recorded; the reaper recovers these
	Jobs         []JobOutcome `json:"jobs"`
}

// Runner claims a batch of jobs, executes them and records each outcome
type Runner struct {
	store       JobStore
	processor   Processor
	concurrency int
	jobTimeout  time.Duration
	reporter    Reporter
}

// RunnerConfig holds runner settings
type RunnerConfig struct {
	Store       JobStore
	Processor   Processor
	Concurrency int
	// JobTimeout bounds one job, pipeline included. It must stay below the
	// reaper's lease so a live job is never handed to a second worker.
	// 0 means no bound.
	JobTimeout time.Duration
	Reporter   Reporter
}

// NewRunner creates a new batch runner
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Runner{
		store:       cfg.Store,
		processor:   cfg.Processor,
		concurrency: concurrency,
		jobTimeout:  cfg.JobTimeout,
		reporter:    reporterOrNop(cfg.Reporter),
	}, nil
}

// ProcessBatch claims up to limit jobs and runs them. Every claimed job is
// finished exactly once by this call, whatever its processor does, including
// panicking. Only a claim failure is returned as an error.
func (r *Runner) ProcessBatch(ctx context.Context, limit int) (*BatchResult, error) {
	jobs, err := r.store.Claim(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	result := &BatchResult{Claimed: len(jobs), Jobs: make([]JobOutcome, len(jobs))}
	if len(jobs) == 0 {
		return result, nil
	}

	// Every claimed job leaves this call finished or released. Once ctx is
	// cancelled, jobs not yet started and jobs that failed on the cancellation
	// are released without charging the attempt.
	sem := semaphore.NewWeighted(int64(r.concurrency))
	acquireCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, job := range jobs {
		r.reporter.JobClaimed(job.Type)

		if err := sem.Acquire(acquireCtx, 1); err != nil {
			// unreachable with a non-cancellable context
			result.Jobs[i] = r.finish(ctx, job, err, time.Now())
			continue
		}

		wg.Add(1)
		go func(i int, job *models.Job) {
			defer wg.Done()
			defer sem.Release(1)
			if ctx.Err() != nil {
				result.Jobs[i] = r.release(ctx, job, ctx.Err())
				return
			}
			result.Jobs[i] = r.runOne(ctx, job)
		}(i, job)
	}
	wg.Wait()

	for _, o := range result.Jobs {
		switch {
		case o.FinishError != "":
			result.FinishErrors++
		case o.Released:
			if o.Applied {
				result.Released++
			} else {
				result.Stale++
			}
		case !o.Applied:
			result.Stale++
		case o.Status == types.JobStatusSucceeded:
			result.Succeeded++
		case o.Status == types.JobStatusPending:
			result.Retrying++
		case o.Status == types.JobStatusFailed:
			result.Failed++
		}
	}

	if counts, err := r.store.CountByStatus(context.WithoutCancel(ctx)); err == nil {
		r.reporter.QueueDepth(counts)
	}

	return result, nil
}

func (r *Runner) runOne(ctx context.Context, job *models.Job) JobOutcome {
	log := logging.FromContext(ctx).WithJob(job)
	jobCtx := logging.WithLogger(ctx, log)
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, r.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := r.safeProcess(jobCtx, job)
	if err != nil && ctx.Err() != nil {
		// The batch was abandoned by its caller; the job did not fail.
		return r.release(jobCtx, job, err)
	}
	return r.finish(jobCtx, job, err, start)
}

// release returns a job to the queue with its attempt refunded
func (r *Runner) release(ctx context.Context, job *models.Job, cause error) JobOutcome {
	log := logging.FromContext(ctx).WithJob(job)
	outcome := JobOutcome{JobID: job.ID, Type: job.Type, Released: true, Error: cause.Error()}

	res, err := r.store.Release(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		log.WithError(err).Error("failed to release job")
		outcome.Status = types.JobStatusRunning
		outcome.FinishError = err.Error()
		return outcome
	}

	outcome.Status = res.Status
	outcome.Attempts = res.Attempts
	outcome.Applied = res.Applied
	if res.Applied {
		log.WithError(cause).Info("batch cancelled, job released back to the queue")
	} else {
		log.WithField("status", res.Status).Warn("job was no longer running at release")
	}
	return outcome
}

// safeProcess converts a processor panic into an ordinary job failure
func (r *Runner) safeProcess(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while processing job %d: %v", job.ID, rec)
		}
	}()
	return r.processor.Process(ctx, job)
}

func (r *Runner) finish(ctx context.Context, job *models.Job, procErr error, start time.Time) JobOutcome {
	log := logging.FromContext(ctx).WithJob(job)

	ok := procErr == nil
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}

	outcome := JobOutcome{JobID: job.ID, Type: job.Type, Error: msg}

	// The job's own context may be cancelled; the outcome is still recorded.
	res, err := r.store.Finish(context.WithoutCancel(ctx), job.ID, ok, msg)
	if err != nil {
		log.WithError(err).Error("failed to record job outcome")
		outcome.Status = types.JobStatusRunning
		outcome.FinishError = err.Error()
		return outcome
	}

	outcome.Status = res.Status
	outcome.Attempts = res.Attempts
	outcome.Applied = res.Applied

	elapsed := time.Since(start)
	if !res.Applied {
		log.WithField("status", res.Status).Warn("job was no longer running at finish, outcome discarded")
		return outcome
	}

	r.reporter.JobFinished(job.Type, res.Status, elapsed)

	entry := log.WithFields(logging.Fields{"status": res.Status, "elapsed": elapsed.String()})
	switch res.Status {
	case types.JobStatusSucceeded:
		entry.Info("job succeeded")
	case types.JobStatusPending:
		entry.WithError(procErr).Warn("job attempt failed, will retry")
	default:
		entry.WithError(procErr).Error("job failed permanently")
	}
	return outcome
}
