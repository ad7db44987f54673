package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/allowance-scanner/internal/logging"
)

// Pipeline step names, in execution order
const (
	StepRefreshRisk     = "refresh_risk"
	StepEnrichMetadata  = "enrich_metadata"
	StepCheckDrift      = "check_drift"
	StepTouchLastScan   = "touch_last_scan"
	StepInvalidateCache = "invalidate_cache"
)

// PostScanPipeline runs the fixed sequence of steps after a wallet's chains
// have been scanned. The first failing step aborts the rest.
type PostScanPipeline struct {
	risk     RiskRefresher
	metadata MetadataEnricher
	drift    DriftChecker
	monitors MonitorStore
	cache    CacheInvalidator
	reporter Reporter
	now      func() time.Time
}

// PostScanPipelineConfig holds the pipeline's collaborators
type PostScanPipelineConfig struct {
	Risk     RiskRefresher
	Metadata MetadataEnricher
	Drift    DriftChecker
	Monitors MonitorStore
	Cache    CacheInvalidator
	Reporter Reporter
	Now      func() time.Time
}

// NewPostScanPipeline creates a new pipeline
func NewPostScanPipeline(cfg PostScanPipelineConfig) (*PostScanPipeline, error) {
	switch {
	case cfg.Risk == nil:
		return nil, fmt.Errorf("risk refresher cannot be nil")
	case cfg.Metadata == nil:
		return nil, fmt.Errorf("metadata enricher cannot be nil")
	case cfg.Drift == nil:
		return nil, fmt.Errorf("drift checker cannot be nil")
	case cfg.Monitors == nil:
		return nil, fmt.Errorf("monitor store cannot be nil")
	case cfg.Cache == nil:
		return nil, fmt.Errorf("cache invalidator cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &PostScanPipeline{
		risk:     cfg.Risk,
		metadata: cfg.Metadata,
		drift:    cfg.Drift,
		monitors: cfg.Monitors,
		cache:    cfg.Cache,
		reporter: reporterOrNop(cfg.Reporter),
		now:      now,
	}, nil
}

type pipelineStep struct {
	name string
	run  func(ctx context.Context, wallet string) error
}

func (p *PostScanPipeline) steps() []pipelineStep {
	return []pipelineStep{
		{StepRefreshRisk, p.risk.RefreshRisk},
		{StepEnrichMetadata, p.metadata.EnrichMetadata},
		{StepCheckDrift, p.drift.CheckDrift},
		{StepTouchLastScan, func(ctx context.Context, wallet string) error {
			_, err := p.monitors.TouchLastScan(ctx, wallet, p.now())
			return err
		}},
		{StepInvalidateCache, func(ctx context.Context, wallet string) error {
			_, err := p.cache.InvalidateWallet(ctx, wallet)
			return err
		}},
	}
}

// Run executes every step for the wallet in order
func (p *PostScanPipeline) Run(ctx context.Context, wallet string) error {
	log := logging.FromContext(ctx).WithWallet(wallet)

	for _, step := range p.steps() {
		start := time.Now()
		err := step.run(ctx, wallet)
		p.reporter.PipelineStep(step.name, time.Since(start), err)
		if err != nil {
			log.WithField("step", step.name).WithError(err).Warn("post-scan step failed")
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	log.Debug("post-scan pipeline complete")
	return nil
}
