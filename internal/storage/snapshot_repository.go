package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
)

// AllowanceSnapshot is the allowance set captured at the end of one scan
type AllowanceSnapshot struct {
	Wallet     string
	CapturedAt time.Time
	Rows       []*models.Allowance
}

// SnapshotRepository keeps the append-only scan history in ClickHouse.
// Each snapshot writes one header row to allowance_scans and one row per
// allowance to allowance_snapshots, so an empty snapshot is still visible.
type SnapshotRepository struct {
	db *ClickHouseDB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *ClickHouseDB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Latest returns the most recent snapshot for the wallet, or nil when the
// wallet has never been snapshotted
func (r *SnapshotRepository) Latest(ctx context.Context, wallet string) (*AllowanceSnapshot, error) {
	wallet = types.NormalizeAddress(wallet)

	rows, err := r.db.Query(ctx, `
		SELECT captured_at FROM allowance_scans
		WHERE wallet_address = ?
		ORDER BY captured_at DESC
		LIMIT 1
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest scan: %w", err)
	}
	var capturedAt time.Time
	found := false
	for rows.Next() {
		if err := rows.Scan(&capturedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan latest scan: %w", err)
		}
		found = true
	}
	_ = rows.Close()
	if !found {
		return nil, nil
	}

	rows, err = r.db.Query(ctx, `
		SELECT chain_id, token_address, spender_address, amount, is_unlimited, risk_score
		FROM allowance_snapshots
		WHERE wallet_address = ? AND captured_at = ?
	`, wallet, capturedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot rows: %w", err)
	}
	defer rows.Close()

	snap := &AllowanceSnapshot{Wallet: wallet, CapturedAt: capturedAt}
	for rows.Next() {
		var (
			chain     uint64
			unlimited uint8
			a         models.Allowance
		)
		if err := rows.Scan(&chain, &a.TokenAddress, &a.SpenderAddress, &a.Amount, &unlimited, &a.RiskScore); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		a.WalletAddress = wallet
		a.ChainID = types.ChainID(chain) // #nosec G115 - chain ids are small
		a.IsUnlimited = unlimited == 1
		snap.Rows = append(snap.Rows, &a)
	}
	return snap, rows.Err()
}

// Append records a new snapshot of the wallet's allowances
func (r *SnapshotRepository) Append(ctx context.Context, wallet string, rows []*models.Allowance, at time.Time) error {
	wallet = types.NormalizeAddress(wallet)

	if len(rows) > 0 {
		batch, err := r.db.PrepareBatch(ctx, `INSERT INTO allowance_snapshots
			(wallet_address, captured_at, chain_id, token_address, spender_address, amount, is_unlimited, risk_score)`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot batch: %w", err)
		}
		for _, a := range rows {
			var unlimited uint8
			if a.IsUnlimited {
				unlimited = 1
			}
			if err := batch.Append(
				wallet, at, uint64(a.ChainID), // #nosec G115 - chain ids are positive
				types.NormalizeAddress(a.TokenAddress), types.NormalizeAddress(a.SpenderAddress),
				a.Amount, unlimited, a.RiskScore,
			); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("failed to append snapshot row: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send snapshot batch: %w", err)
		}
	}

	if err := r.db.Exec(ctx, `
		INSERT INTO allowance_scans (wallet_address, captured_at, row_count) VALUES (?, ?, ?)
	`, wallet, at, uint32(len(rows))); err != nil { // #nosec G115 - bounded by allowances per wallet
		return fmt.Errorf("failed to record snapshot header: %w", err)
	}
	return nil
}

// NoopSnapshotStore is used when ClickHouse is not configured. It never has a
// previous snapshot, so drift detection sees every scan as the first one.
type NoopSnapshotStore struct{}

// Latest always reports no snapshot
func (NoopSnapshotStore) Latest(context.Context, string) (*AllowanceSnapshot, error) {
	return nil, nil
}

// Append discards the snapshot
func (NoopSnapshotStore) Append(context.Context, string, []*models.Allowance, time.Time) error {
	return nil
}
