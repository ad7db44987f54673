// Package worker hosts the long-running loops of the worker process: the
// job poll loop, the monitor scheduler and the lease reaper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/queue"
	"golang.org/x/sync/errgroup"
)

// BatchProcessor claims and runs one batch of jobs
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, limit int) (*queue.BatchResult, error)
}

// MonitorRunner enqueues scans for due monitors
type MonitorRunner interface {
	RunDueMonitors(ctx context.Context) ([]queue.MonitorEnqueue, error)
}

// StaleReaper returns expired claims to the queue
type StaleReaper interface {
	Reap(ctx context.Context) (int, error)
}

// Config holds loop timing
type Config struct {
	BatchSize       int
	PollInterval    time.Duration
	MonitorInterval time.Duration // 0 disables the monitor loop
	ReapInterval    time.Duration // 0 disables the reaper loop
}

// Worker runs the queue loops until its context ends
type Worker struct {
	cfg      Config
	batches  BatchProcessor
	monitors MonitorRunner
	reaper   StaleReaper
}

// New creates a worker. monitors and reaper may be nil to disable their loops.
func New(cfg Config, batches BatchProcessor, monitors MonitorRunner, reaper StaleReaper) (*Worker, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch processor cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}
	return &Worker{cfg: cfg, batches: batches, monitors: monitors, reaper: reaper}, nil
}

// Run blocks until ctx is cancelled. In-flight jobs are finished before it
// returns. A nil error means a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.pollLoop(ctx) })

	if w.monitors != nil && w.cfg.MonitorInterval > 0 {
		g.Go(func() error {
			return tickLoop(ctx, "monitor", w.cfg.MonitorInterval, w.runMonitors)
		})
	}
	if w.reaper != nil && w.cfg.ReapInterval > 0 {
		g.Go(func() error {
			return tickLoop(ctx, "reaper", w.cfg.ReapInterval, w.reap)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pollLoop processes batches back to back while they come back full and
// sleeps PollInterval otherwise
func (w *Worker) pollLoop(ctx context.Context) error {
	logger := logging.FromContext(ctx).WithField("loop", "poll")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		next := w.cfg.PollInterval
		result, err := w.batches.ProcessBatch(ctx, w.cfg.BatchSize)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Error("Failed to process batch")
		case result.Claimed > 0:
			logger.WithFields(map[string]interface{}{
				"claimed":   result.Claimed,
				"succeeded": result.Succeeded,
				"retrying":  result.Retrying,
				"failed":    result.Failed,
				"stale":     result.Stale,
			}).Info("Batch processed")
			if result.Claimed >= w.cfg.BatchSize {
				next = 0
			}
		}
		timer.Reset(next)
	}
}

func (w *Worker) runMonitors(ctx context.Context) error {
	enqueued, err := w.monitors.RunDueMonitors(ctx)
	if len(enqueued) > 0 {
		logging.FromContext(ctx).WithField("wallets", len(enqueued)).Info("Monitor scans requested")
	}
	return err
}

func (w *Worker) reap(ctx context.Context) error {
	_, err := w.reaper.Reap(ctx)
	return err
}

// tickLoop runs fn every interval. Errors are logged and do not stop the loop.
func tickLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	logger := logging.FromContext(ctx).WithField("loop", name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Loop iteration failed")
			}
		}
	}
}
