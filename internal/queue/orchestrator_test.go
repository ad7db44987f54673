package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x2222222222222222222222222222222222222222"

func scanJob(t *testing.T, wallet string, chains ...types.ChainID) *models.Job {
	t.Helper()
	raw, err := json.Marshal(models.ScanWalletPayload{Wallet: wallet, Chains: chains})
	require.NoError(t, err)
	return &models.Job{ID: 1, Type: types.JobTypeScanWallet, Payload: raw, Attempts: 1, MaxAttempts: 3}
}

func newTestOrchestrator(t *testing.T, scanner ChainScanner, steps *fakeSteps, timeout time.Duration) *ScanOrchestrator {
	t.Helper()
	pipeline, err := NewPostScanPipeline(PostScanPipelineConfig{
		Risk: steps, Metadata: steps, Drift: steps, Monitors: steps, Cache: steps,
	})
	require.NoError(t, err)

	o, err := NewScanOrchestrator(ScanOrchestratorConfig{
		Scanner:       scanner,
		Pipeline:      pipeline,
		DefaultChains: []types.ChainID{types.ChainEthereum, types.ChainOptimism},
		ChainTimeout:  timeout,
	})
	require.NoError(t, err)
	return o
}

func TestScanOrchestrator_ScansChainsInOrder(t *testing.T) {
	log := &callLog{}
	o := newTestOrchestrator(t, &fakeScanner{log: log}, &fakeSteps{log: log}, time.Second)

	err := o.Process(context.Background(), scanJob(t, testWallet, types.ChainEthereum, types.ChainArbitrum, types.ChainBase))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"scan:1", "scan:42161", "scan:8453",
		StepRefreshRisk, StepEnrichMetadata, StepCheckDrift, StepTouchLastScan, StepInvalidateCache,
	}, log.list())
}

func TestScanOrchestrator_FirstFailureAborts(t *testing.T) {
	log := &callLog{}
	scanner := &fakeScanner{log: log, fail: map[types.ChainID]error{types.ChainArbitrum: errors.New("rpc 503")}}
	o := newTestOrchestrator(t, scanner, &fakeSteps{log: log}, time.Second)

	err := o.Process(context.Background(), scanJob(t, testWallet, types.ChainEthereum, types.ChainArbitrum, types.ChainBase))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc 503")
	assert.Contains(t, err.Error(), "arbitrum")

	// Base is never called and the pipeline never runs.
	assert.Equal(t, []string{"scan:1", "scan:42161"}, log.list())
}

func TestScanOrchestrator_ChainTimeout(t *testing.T) {
	log := &callLog{}
	scanner := &fakeScanner{log: log, block: map[types.ChainID]time.Duration{types.ChainEthereum: 2 * time.Second}}
	o := newTestOrchestrator(t, scanner, &fakeSteps{log: log}, 50*time.Millisecond)

	start := time.Now()
	err := o.Process(context.Background(), scanJob(t, testWallet, types.ChainEthereum, types.ChainBase))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrChainTimeout), "got %v", err)
	assert.Less(t, elapsed, time.Second, "a scanner ignoring its context must not hold the job")
	assert.Equal(t, []string{"scan:1"}, log.list())
}

func TestScanOrchestrator_ParentCancellation(t *testing.T) {
	log := &callLog{}
	scanner := &fakeScanner{log: log, block: map[types.ChainID]time.Duration{types.ChainEthereum: time.Second}}
	o := newTestOrchestrator(t, scanner, &fakeSteps{log: log}, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := o.Process(ctx, scanJob(t, testWallet, types.ChainEthereum))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, apperrors.ErrChainTimeout))
}

func TestScanOrchestrator_ScannerPanicIsFailure(t *testing.T) {
	log := &callLog{}
	scanner := &fakeScanner{log: log, panicOn: map[types.ChainID]bool{types.ChainEthereum: true}}
	o := newTestOrchestrator(t, scanner, &fakeSteps{log: log}, time.Second)

	err := o.Process(context.Background(), scanJob(t, testWallet, types.ChainEthereum))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner panic")
}

func TestScanOrchestrator_EmptyChainsUsesDefaults(t *testing.T) {
	log := &callLog{}
	o := newTestOrchestrator(t, &fakeScanner{log: log}, &fakeSteps{log: log}, time.Second)

	require.NoError(t, o.Process(context.Background(), scanJob(t, testWallet)))
	assert.Equal(t, []string{"scan:1", "scan:10"}, log.list()[:2])
}

func TestScanOrchestrator_UnknownJobType(t *testing.T) {
	log := &callLog{}
	o := newTestOrchestrator(t, &fakeScanner{log: log}, &fakeSteps{log: log}, time.Second)

	job := &models.Job{ID: 9, Type: types.JobType("sweep_dust"), Payload: json.RawMessage(`{}`)}
	err := o.Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnknownJobType))
	assert.Empty(t, log.list())
}

func TestScanOrchestrator_InvalidPayload(t *testing.T) {
	log := &callLog{}
	o := newTestOrchestrator(t, &fakeScanner{log: log}, &fakeSteps{log: log}, time.Second)

	job := &models.Job{ID: 9, Type: types.JobTypeScanWallet, Payload: json.RawMessage(`{"wallet":`)}
	assert.Error(t, o.Process(context.Background(), job))

	job = scanJob(t, "not-an-address", types.ChainEthereum)
	assert.Error(t, o.Process(context.Background(), job))
	assert.Empty(t, log.list())
}

func TestNewScanOrchestrator_Validation(t *testing.T) {
	_, err := NewScanOrchestrator(ScanOrchestratorConfig{})
	assert.Error(t, err)

	o, err := NewScanOrchestrator(ScanOrchestratorConfig{Scanner: &fakeScanner{log: &callLog{}}, Pipeline: &PostScanPipeline{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultChainTimeout, o.chainTimeout)
}
