package storage

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/jackc/pgx/v5"
)

// PolicyRepository stores per-wallet alert policies
type PolicyRepository struct {
	db *PostgresDB
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *PostgresDB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// Get returns the wallet's policy, or the default policy when none is stored
func (r *PolicyRepository) Get(ctx context.Context, wallet string) (*models.AlertPolicy, error) {
	wallet = types.NormalizeAddress(wallet)

	query := `
		SELECT wallet_address, min_risk_score, unlimited_only,
			include_spenders, ignore_spenders, include_tokens, ignore_tokens,
			chains, updated_at
		FROM alert_policies
		WHERE wallet_address = $1
	`

	var p models.AlertPolicy
	var chains []int64
	err := r.db.Pool().QueryRow(ctx, query, wallet).Scan(
		&p.WalletAddress,
		&p.MinRiskScore,
		&p.UnlimitedOnly,
		&p.IncludeSpenders,
		&p.IgnoreSpenders,
		&p.IncludeTokens,
		&p.IgnoreTokens,
		&chains,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DefaultAlertPolicy(wallet), nil
		}
		return nil, apperrors.NewDatabaseError("get policy", err)
	}

	p.Chains = make([]types.ChainID, 0, len(chains))
	for _, c := range chains {
		p.Chains = append(p.Chains, types.ChainID(c))
	}
	return &p, nil
}

// Upsert stores a policy. Address lists are lowercased before they are written.
func (r *PolicyRepository) Upsert(ctx context.Context, p *models.AlertPolicy) error {
	chains := make([]int64, 0, len(p.Chains))
	for _, c := range p.Chains {
		chains = append(chains, int64(c))
	}

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO alert_policies (
			wallet_address, min_risk_score, unlimited_only,
			include_spenders, ignore_spenders, include_tokens, ignore_tokens,
			chains, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (wallet_address) DO UPDATE SET
			min_risk_score = EXCLUDED.min_risk_score,
			unlimited_only = EXCLUDED.unlimited_only,
			include_spenders = EXCLUDED.include_spenders,
			ignore_spenders = EXCLUDED.ignore_spenders,
			include_tokens = EXCLUDED.include_tokens,
			ignore_tokens = EXCLUDED.ignore_tokens,
			chains = EXCLUDED.chains,
			updated_at = now()
	`,
		types.NormalizeAddress(p.WalletAddress),
		p.MinRiskScore,
		p.UnlimitedOnly,
		normalizeAll(p.IncludeSpenders),
		normalizeAll(p.IgnoreSpenders),
		normalizeAll(p.IncludeTokens),
		normalizeAll(p.IgnoreTokens),
		chains,
	)
	if err != nil {
		return apperrors.NewDatabaseError("upsert policy", fmt.Errorf("wallet %s: %w", p.WalletAddress, err))
	}
	return nil
}

func normalizeAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if n := types.NormalizeAddress(a); n != "" {
			out = append(out, n)
		}
	}
	return out
}
