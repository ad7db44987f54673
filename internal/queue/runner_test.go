package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueScans(t *testing.T, store *memStore, n, maxAttempts int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.Enqueue(context.Background(), models.NewScanWalletSpec(fmt.Sprintf("0x%040x", i+1), nil, maxAttempts))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func walletOf(job *models.Job) string {
	var p models.ScanWalletPayload
	_ = json.Unmarshal(job.Payload, &p)
	return p.Wallet
}

func TestRunner_IsolatesFailures(t *testing.T) {
	store := newMemStore()
	ids := enqueueScans(t, store, 3, 3)
	reporter := newCountingReporter()

	// job 1 succeeds, job 2 fails, job 3 panics
	processor := processorFunc(func(_ context.Context, job *models.Job) error {
		switch job.ID {
		case ids[1]:
			return errors.New("rpc down")
		case ids[2]:
			panic("nil map write")
		}
		return nil
	})

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processor, Concurrency: 2, Reporter: reporter})
	require.NoError(t, err)

	res, err := runner.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Retrying)
	assert.Zero(t, res.Failed)

	assert.Equal(t, types.JobStatusSucceeded, store.get(ids[0]).Status)
	assert.Equal(t, types.JobStatusPending, store.get(ids[1]).Status)
	assert.Equal(t, "rpc down", *store.get(ids[1]).Error)
	assert.Equal(t, types.JobStatusPending, store.get(ids[2]).Status)
	assert.Contains(t, *store.get(ids[2]).Error, "panic")

	for _, id := range ids {
		assert.Equal(t, 1, store.finishes[id], "job %d finished exactly once", id)
	}
	assert.Equal(t, 3, reporter.claimed)
	assert.Equal(t, 1, reporter.finished[types.JobStatusSucceeded])
}

func TestRunner_RetryBound(t *testing.T) {
	store := newMemStore()
	ids := enqueueScans(t, store, 1, 3)

	runner, err := NewRunner(RunnerConfig{
		Store:     store,
		Processor: processorFunc(func(context.Context, *models.Job) error { return errors.New("always") }),
	})
	require.NoError(t, err)

	want := []types.JobStatus{types.JobStatusPending, types.JobStatusPending, types.JobStatusFailed}
	for i, status := range want {
		res, err := runner.ProcessBatch(context.Background(), 5)
		require.NoError(t, err)
		require.Len(t, res.Jobs, 1)
		assert.Equal(t, status, res.Jobs[0].Status, "attempt %d", i+1)
		assert.Equal(t, i+1, res.Jobs[0].Attempts)
	}

	res, err := runner.ProcessBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	job := store.get(ids[0])
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	store := newMemStore()
	enqueueScans(t, store, 8, 3)

	var running, peak int32
	processor := processorFunc(func(context.Context, *models.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processor, Concurrency: 3})
	require.NoError(t, err)

	res, err := runner.ProcessBatch(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunner_CancelledBatchReleasesWithoutCharging(t *testing.T) {
	store := newMemStore()
	ids := enqueueScans(t, store, 2, 3)

	// A caller that keeps disconnecting mid-batch never exhausts a job's
	// attempts.
	for round := 0; round < 5; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		processor := processorFunc(func(ctx context.Context, job *models.Job) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})

		runner, err := NewRunner(RunnerConfig{Store: store, Processor: processor, Concurrency: 1})
		require.NoError(t, err)

		res, err := runner.ProcessBatch(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Claimed, "round %d", round)
		assert.Equal(t, 2, res.Released, "round %d", round)
		assert.Zero(t, res.Retrying+res.Failed, "round %d", round)
		cancel()
	}

	for _, id := range ids {
		job := store.get(id)
		assert.Equal(t, types.JobStatusPending, job.Status)
		assert.Zero(t, job.Attempts)
		assert.Nil(t, job.Error)
		assert.Zero(t, store.finishes[id], "released jobs are not finished")
	}
}

func TestRunner_SuccessAfterCancelIsRecorded(t *testing.T) {
	store := newMemStore()
	ids := enqueueScans(t, store, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	processor := processorFunc(func(context.Context, *models.Job) error {
		cancel()
		return nil
	})

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processor})
	require.NoError(t, err)

	res, err := runner.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, types.JobStatusSucceeded, store.get(ids[0]).Status)
}

func TestRunner_JobContextHasDeadline(t *testing.T) {
	store := newMemStore()
	enqueueScans(t, store, 1, 3)

	var (
		hasDeadline bool
		remaining   time.Duration
	)
	processor := processorFunc(func(ctx context.Context, job *models.Job) error {
		var deadline time.Time
		deadline, hasDeadline = ctx.Deadline()
		remaining = time.Until(deadline)
		return nil
	})

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processor, JobTimeout: time.Minute})
	require.NoError(t, err)

	_, err = runner.ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, hasDeadline)
	assert.LessOrEqual(t, remaining, time.Minute)
	assert.Greater(t, remaining, 50*time.Second)
}

func TestRunner_JobTimeoutChargesAttempt(t *testing.T) {
	store := newMemStore()
	ids := enqueueScans(t, store, 1, 3)

	processor := processorFunc(func(ctx context.Context, job *models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processor, JobTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	res, err := runner.ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)
	assert.Zero(t, res.Released)

	job := store.get(ids[0])
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, context.DeadlineExceeded.Error())
}

func TestRunner_JobFinishesBeforeReaperLease(t *testing.T) {
	store := newMemStore()
	ids := enqueueScans(t, store, 1, 3)
	lease := 200 * time.Millisecond

	// The job bound cuts off a hung processor, so the job is no longer running
	// when its lease expires.
	processor := processorFunc(func(ctx context.Context, job *models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processor, JobTimeout: lease - lease/10})
	require.NoError(t, err)

	_, err = runner.ProcessBatch(context.Background(), 1)
	require.NoError(t, err)

	time.Sleep(lease)
	reaped, err := NewReaper(store, lease, nil).Reap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.Equal(t, types.JobStatusPending, store.get(ids[0]).Status)
}

func TestRunner_ClaimErrorIsReturned(t *testing.T) {
	store := newMemStore()
	store.claimErr = errors.New("connection refused")

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processorFunc(func(context.Context, *models.Job) error { return nil })})
	require.NoError(t, err)

	_, err = runner.ProcessBatch(context.Background(), 10)
	assert.Error(t, err)
}

func TestRunner_FinishErrorIsCounted(t *testing.T) {
	store := newMemStore()
	enqueueScans(t, store, 1, 3)
	store.finishErr = errors.New("connection reset")

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: processorFunc(func(context.Context, *models.Job) error { return nil })})
	require.NoError(t, err)

	res, err := runner.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FinishErrors)
	assert.Equal(t, "connection reset", res.Jobs[0].FinishError)
}

func TestRunner_EndToEndWithOrchestrator(t *testing.T) {
	store := newMemStore()
	log := &callLog{}
	scanner := &fakeScanner{log: log, fail: map[types.ChainID]error{types.ChainOptimism: errors.New("timeout")}}
	o := newTestOrchestrator(t, scanner, &fakeSteps{log: log}, time.Second)

	good, err := store.Enqueue(context.Background(), models.NewScanWalletSpec(testWallet, []types.ChainID{types.ChainEthereum}, 3))
	require.NoError(t, err)
	bad, err := store.Enqueue(context.Background(), models.NewScanWalletSpec(fmt.Sprintf("0x%040x", 7), []types.ChainID{types.ChainOptimism}, 1))
	require.NoError(t, err)

	runner, err := NewRunner(RunnerConfig{Store: store, Processor: o, Concurrency: 1})
	require.NoError(t, err)

	res, err := runner.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, types.JobStatusSucceeded, store.get(good).Status)
	failed := store.get(bad)
	assert.Equal(t, types.JobStatusFailed, failed.Status)
	assert.Contains(t, *failed.Error, "timeout")
	succeeded := store.get(good)
	assert.Equal(t, testWallet, walletOf(&succeeded))
}
