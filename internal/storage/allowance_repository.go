package storage

import (
	"context"
	"fmt"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/jackc/pgx/v5"
)

const allowanceColumns = `wallet_address, chain_id, token_address, spender_address, amount::text,
	is_unlimited, risk_score, token_symbol, spender_label, approved_block, approved_at, updated_at`

// AllowanceRepository stores the current allowance set per wallet and chain
type AllowanceRepository struct {
	db *PostgresDB
}

// NewAllowanceRepository creates a new allowance repository
func NewAllowanceRepository(db *PostgresDB) *AllowanceRepository {
	return &AllowanceRepository{db: db}
}

// ReplaceForChain makes rows the wallet's complete allowance set on chain.
// Existing rows keep their risk score and labels; rows no longer present
// (revoked or spent to zero) are removed.
func (r *AllowanceRepository) ReplaceForChain(ctx context.Context, wallet string, chain types.ChainID, rows []*models.Allowance) error {
	wallet = types.NormalizeAddress(wallet)

	tokens := make([]string, 0, len(rows))
	spenders := make([]string, 0, len(rows))
	for _, a := range rows {
		tokens = append(tokens, types.NormalizeAddress(a.TokenAddress))
		spenders = append(spenders, types.NormalizeAddress(a.SpenderAddress))
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM allowances
			WHERE wallet_address = $1 AND chain_id = $2
				AND (token_address, spender_address) NOT IN (
					SELECT t, s FROM unnest($3::text[], $4::text[]) AS u(t, s)
				)
		`, wallet, int64(chain), tokens, spenders); err != nil {
			return fmt.Errorf("failed to prune allowances: %w", err)
		}

		if len(rows) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, a := range rows {
			batch.Queue(`
				INSERT INTO allowances (
					wallet_address, chain_id, token_address, spender_address,
					amount, is_unlimited, approved_block, approved_at, updated_at
				) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, now())
				ON CONFLICT (wallet_address, chain_id, token_address, spender_address) DO UPDATE SET
					amount = EXCLUDED.amount,
					is_unlimited = EXCLUDED.is_unlimited,
					approved_block = EXCLUDED.approved_block,
					approved_at = EXCLUDED.approved_at,
					updated_at = now()
			`, wallet, int64(chain), tokens[i], spenders[i],
				a.Amount, a.IsUnlimited, int64(a.ApprovedBlock), a.ApprovedAt) // #nosec G115 - block numbers fit in int64
		}

		br := tx.SendBatch(ctx, batch)
		for range rows {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to upsert allowance: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return apperrors.NewDatabaseError("replace allowances", err)
	}
	return nil
}

// ListByWallet returns every stored allowance for the wallet
func (r *AllowanceRepository) ListByWallet(ctx context.Context, wallet string) ([]*models.Allowance, error) {
	query := `SELECT ` + allowanceColumns + `
		FROM allowances
		WHERE wallet_address = $1
		ORDER BY chain_id, token_address, spender_address`

	rows, err := r.db.Pool().Query(ctx, query, types.NormalizeAddress(wallet))
	if err != nil {
		return nil, apperrors.NewDatabaseError("list allowances", err)
	}
	defer rows.Close()

	var out []*models.Allowance
	for rows.Next() {
		var a models.Allowance
		var chain, block int64
		if err := rows.Scan(
			&a.WalletAddress, &chain, &a.TokenAddress, &a.SpenderAddress, &a.Amount,
			&a.IsUnlimited, &a.RiskScore, &a.TokenSymbol, &a.SpenderLabel, &block, &a.ApprovedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan allowance: %w", err)
		}
		a.ChainID = types.ChainID(chain)
		a.ApprovedBlock = uint64(block) // #nosec G115 - stored from a uint64
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allowances: %w", err)
	}
	return out, nil
}

// UpdateRiskScores writes the risk score of each given row
func (r *AllowanceRepository) UpdateRiskScores(ctx context.Context, rows []*models.Allowance) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range rows {
		batch.Queue(`
			UPDATE allowances SET risk_score = $5, updated_at = now()
			WHERE wallet_address = $1 AND chain_id = $2 AND token_address = $3 AND spender_address = $4
		`, types.NormalizeAddress(a.WalletAddress), int64(a.ChainID),
			types.NormalizeAddress(a.TokenAddress), types.NormalizeAddress(a.SpenderAddress), a.RiskScore)
	}
	return r.sendBatch(ctx, "update risk scores", batch)
}

// UpdateMetadata writes token symbols and spender labels of each given row
func (r *AllowanceRepository) UpdateMetadata(ctx context.Context, rows []*models.Allowance) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range rows {
		batch.Queue(`
			UPDATE allowances SET token_symbol = $5, spender_label = $6, updated_at = now()
			WHERE wallet_address = $1 AND chain_id = $2 AND token_address = $3 AND spender_address = $4
		`, types.NormalizeAddress(a.WalletAddress), int64(a.ChainID),
			types.NormalizeAddress(a.TokenAddress), types.NormalizeAddress(a.SpenderAddress),
			a.TokenSymbol, a.SpenderLabel)
	}
	return r.sendBatch(ctx, "update metadata", batch)
}

// SpenderLabels returns known labels for the given spender addresses
func (r *AllowanceRepository) SpenderLabels(ctx context.Context, chain types.ChainID, spenders []string) (map[string]string, error) {
	labels := make(map[string]string)
	if len(spenders) == 0 {
		return labels, nil
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT spender_address, label FROM spender_labels
		WHERE chain_id = $1 AND spender_address = ANY($2)
	`, int64(chain), normalizeAll(spenders))
	if err != nil {
		return nil, apperrors.NewDatabaseError("spender labels", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr, label string
		if err := rows.Scan(&addr, &label); err != nil {
			return nil, fmt.Errorf("failed to scan spender label: %w", err)
		}
		labels[addr] = label
	}
	return labels, rows.Err()
}

// TokenSymbols returns cached symbols for the given tokens
func (r *AllowanceRepository) TokenSymbols(ctx context.Context, chain types.ChainID, tokens []string) (map[string]string, error) {
	symbols := make(map[string]string)
	if len(tokens) == 0 {
		return symbols, nil
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT token_address, symbol FROM token_metadata
		WHERE chain_id = $1 AND token_address = ANY($2)
	`, int64(chain), normalizeAll(tokens))
	if err != nil {
		return nil, apperrors.NewDatabaseError("token symbols", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr, symbol string
		if err := rows.Scan(&addr, &symbol); err != nil {
			return nil, fmt.Errorf("failed to scan token symbol: %w", err)
		}
		symbols[addr] = symbol
	}
	return symbols, rows.Err()
}

// SaveTokenSymbol caches a symbol read from the token contract
func (r *AllowanceRepository) SaveTokenSymbol(ctx context.Context, chain types.ChainID, token, symbol string) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO token_metadata (chain_id, token_address, symbol, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id, token_address) DO UPDATE SET symbol = EXCLUDED.symbol, updated_at = now()
	`, int64(chain), types.NormalizeAddress(token), symbol)
	if err != nil {
		return apperrors.NewDatabaseError("save token symbol", err)
	}
	return nil
}

func (r *AllowanceRepository) sendBatch(ctx context.Context, op string, batch *pgx.Batch) error {
	br := r.db.Pool().SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return apperrors.NewDatabaseError(op, err)
		}
	}
	if err := br.Close(); err != nil {
		return apperrors.NewDatabaseError(op, err)
	}
	return nil
}
