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

// DefaultChainTimeout bounds a single chain scan
const DefaultChainTimeout = 60 * time.Second

// ScanOrchestrator executes scan_wallet jobs
type ScanOrchestrator struct {
	scanner       ChainScanner
	pipeline      Pipeline
	defaultChains []types.ChainID
	chainTimeout  time.Duration
	reporter      Reporter
}

// ScanOrchestratorConfig holds the orchestrator's collaborators
type ScanOrchestratorConfig struct {
	Scanner       ChainScanner
	Pipeline      Pipeline
	DefaultChains []types.ChainID // used when a payload names no chains
	ChainTimeout  time.Duration
	Reporter      Reporter
}

// NewScanOrchestrator creates a new orchestrator
func NewScanOrchestrator(cfg ScanOrchestratorConfig) (*ScanOrchestrator, error) {
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("chain scanner cannot be nil")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}

	timeout := cfg.ChainTimeout
	if timeout <= 0 {
		timeout = DefaultChainTimeout
	}

	return &ScanOrchestrator{
		scanner:       cfg.Scanner,
		pipeline:      cfg.Pipeline,
		defaultChains: cfg.DefaultChains,
		chainTimeout:  timeout,
		reporter:      reporterOrNop(cfg.Reporter),
	}, nil
}

// Process runs one claimed job. Any returned error fails this attempt.
func (o *ScanOrchestrator) Process(ctx context.Context, job *models.Job) error {
	payload, err := job.DecodedPayload()
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case models.ScanWalletPayload:
		return o.scanWallet(ctx, p)
	default:
		return apperrors.NewUnknownJobTypeError(job.Type)
	}
}

// scanWallet scans each chain in order and stops at the first failure, then
// runs the post-scan pipeline
func (o *ScanOrchestrator) scanWallet(ctx context.Context, p models.ScanWalletPayload) error {
	wallet := types.NormalizeAddress(p.Wallet)
	if !types.IsValidAddress(wallet) {
		return apperrors.NewInvalidAddressError(p.Wallet)
	}

	chains := p.Chains
	if len(chains) == 0 {
		chains = o.defaultChains
	}

	log := logging.FromContext(ctx).WithWallet(wallet)
	for _, chain := range chains {
		start := time.Now()
		err := o.scanChain(ctx, wallet, chain)
		elapsed := time.Since(start)
		o.reporter.ChainScanned(chain, elapsed, err)

		if err != nil {
			log.WithFields(logging.Fields{
				"chain":   chain.String(),
				"elapsed": elapsed.String(),
			}).WithError(err).Warn("chain scan failed, aborting job")
			return fmt.Errorf("scan %s: %w", chain, err)
		}
		log.WithField("chain", chain.String()).Debugf("chain scanned in %s", elapsed)
	}

	return o.pipeline.Run(ctx, wallet)
}

// scanChain calls the scanner under the per-chain budget. The call is also
// raced against the deadline, so a scanner that ignores ctx cannot hold the
// job past its budget; its goroutine is abandoned and its result discarded.
func (o *ScanOrchestrator) scanChain(ctx context.Context, wallet string, chain types.ChainID) error {
	chainCtx, cancel := context.WithTimeout(ctx, o.chainTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("scanner panic: %v", r)
			}
		}()
		done <- o.scanner.ScanChain(chainCtx, wallet, chain)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(chainCtx.Err(), context.DeadlineExceeded) {
			return apperrors.NewChainTimeoutError(chain, o.chainTimeout.String())
		}
		return err
	case <-chainCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return apperrors.NewChainTimeoutError(chain, o.chainTimeout.String())
	}
}
