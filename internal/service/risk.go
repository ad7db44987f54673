// Package service implements the post-scan collaborators: risk scoring,
// metadata enrichment and drift detection.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
)

// Risk score weights. Scores are clamped to [MinRiskScore, MaxRiskScore].
const (
	MinRiskScore = 0
	MaxRiskScore = 10

	unlimitedWeight     = 5
	unlabeledWeight     = 3
	staleApprovalWeight = 2
	staleApprovalMaxAge = 180 * 24 * time.Hour
)

// AllowanceReader lists a wallet's current allowances
type AllowanceReader interface {
	ListByWallet(ctx context.Context, wallet string) ([]*models.Allowance, error)
}

// SpenderLabeler resolves known spender labels on a chain
type SpenderLabeler interface {
	SpenderLabels(ctx context.Context, chain types.ChainID, spenders []string) (map[string]string, error)
}

// RiskRepository is the allowance storage the risk service needs
type RiskRepository interface {
	AllowanceReader
	SpenderLabeler
	UpdateRiskScores(ctx context.Context, rows []*models.Allowance) error
}

// RiskService scores every allowance of a wallet
type RiskService struct {
	repo RiskRepository
	now  func() time.Time
}

// NewRiskService creates a new risk service
func NewRiskService(repo RiskRepository) *RiskService {
	return &RiskService{repo: repo, now: time.Now}
}

// RefreshRisk recomputes and stores the risk score of every allowance row
func (s *RiskService) RefreshRisk(ctx context.Context, wallet string) error {
	rows, err := s.repo.ListByWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to list allowances: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	labels, err := labelsByChain(ctx, s.repo, rows)
	if err != nil {
		return err
	}

	now := s.now()
	changed := make([]*models.Allowance, 0, len(rows))
	for _, row := range rows {
		_, labeled := labels[row.ChainID][types.NormalizeAddress(row.SpenderAddress)]
		score := ScoreAllowance(row, labeled, now)
		if score != row.RiskScore {
			row.RiskScore = score
			changed = append(changed, row)
		}
	}

	if err := s.repo.UpdateRiskScores(ctx, changed); err != nil {
		return fmt.Errorf("failed to store risk scores: %w", err)
	}

	logging.FromContext(ctx).WithWallet(wallet).WithFields(map[string]interface{}{
		"allowances": len(rows),
		"changed":    len(changed),
	}).Debug("Risk scores refreshed")
	return nil
}

// ScoreAllowance returns the heuristic risk score of one approval
func ScoreAllowance(row *models.Allowance, spenderLabeled bool, now time.Time) float64 {
	score := 0.0
	if row.IsUnlimited {
		score += unlimitedWeight
	}
	if !spenderLabeled {
		score += unlabeledWeight
	}
	if row.ApprovedAt != nil && now.Sub(*row.ApprovedAt) > staleApprovalMaxAge {
		score += staleApprovalWeight
	}

	switch {
	case score < MinRiskScore:
		return MinRiskScore
	case score > MaxRiskScore:
		return MaxRiskScore
	}
	return score
}

// labelsByChain looks up spender labels for rows, one query per chain
func labelsByChain(ctx context.Context, labeler SpenderLabeler, rows []*models.Allowance) (map[types.ChainID]map[string]string, error) {
	spenders := make(map[types.ChainID][]string)
	for _, row := range rows {
		spenders[row.ChainID] = append(spenders[row.ChainID], row.SpenderAddress)
	}

	out := make(map[types.ChainID]map[string]string, len(spenders))
	for chain, addrs := range spenders {
		labels, err := labeler.SpenderLabels(ctx, chain, addrs)
		if err != nil {
			return nil, fmt.Errorf("failed to load spender labels for %s: %w", chain, err)
		}
		out[chain] = labels
	}
	return out, nil
}
