package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/jackc/pgx/v5"
)

const monitorColumns = `wallet_address, enabled, freq_minutes, last_scan_at, updated_at`

// MonitorRepository stores passive-scanning subscriptions
type MonitorRepository struct {
	db *PostgresDB
}

// NewMonitorRepository creates a new monitor repository
func NewMonitorRepository(db *PostgresDB) *MonitorRepository {
	return &MonitorRepository{db: db}
}

// DueMonitors returns up to limit enabled monitors whose interval has elapsed
// at now. Never-scanned monitors come first, then the longest-idle ones.
func (r *MonitorRepository) DueMonitors(ctx context.Context, now time.Time, limit int) ([]*models.WalletMonitor, error) {
	query := `
		SELECT ` + monitorColumns + `
		FROM wallet_monitors
		WHERE enabled
			AND (last_scan_at IS NULL
				OR $1::timestamptz - last_scan_at > make_interval(mins => freq_minutes))
		ORDER BY last_scan_at ASC NULLS FIRST, wallet_address
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("select due monitors", err)
	}
	defer rows.Close()

	var monitors []*models.WalletMonitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitor: %w", err)
		}
		monitors = append(monitors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monitors: %w", err)
	}
	return monitors, nil
}

// Get returns the monitor for a wallet
func (r *MonitorRepository) Get(ctx context.Context, wallet string) (*models.WalletMonitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM wallet_monitors WHERE wallet_address = $1`

	m, err := scanMonitor(r.db.Pool().QueryRow(ctx, query, types.NormalizeAddress(wallet)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("monitor %s: %w", wallet, apperrors.ErrMonitorNotFound)
		}
		return nil, apperrors.NewDatabaseError("get monitor", err)
	}
	return m, nil
}

// Upsert creates or updates a monitor. last_scan_at is owned by the pipeline
// and is not overwritten here.
func (r *MonitorRepository) Upsert(ctx context.Context, m *models.WalletMonitor) (*models.WalletMonitor, error) {
	query := `
		INSERT INTO wallet_monitors (wallet_address, enabled, freq_minutes, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (wallet_address) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			freq_minutes = EXCLUDED.freq_minutes,
			updated_at = now()
		RETURNING ` + monitorColumns

	saved, err := scanMonitor(r.db.Pool().QueryRow(ctx, query,
		types.NormalizeAddress(m.WalletAddress), m.Enabled, m.FreqMinutes))
	if err != nil {
		return nil, apperrors.NewDatabaseError("upsert monitor", err)
	}
	return saved, nil
}

// TouchLastScan records a completed scan. Wallets without a monitor are left
// alone; the returned bool reports whether a row was updated.
func (r *MonitorRepository) TouchLastScan(ctx context.Context, wallet string, at time.Time) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE wallet_monitors
		SET last_scan_at = $2, updated_at = now()
		WHERE wallet_address = $1
	`, types.NormalizeAddress(wallet), at)
	if err != nil {
		return false, apperrors.NewDatabaseError("touch last scan", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanMonitor(row pgx.Row) (*models.WalletMonitor, error) {
	var m models.WalletMonitor
	if err := row.Scan(&m.WalletAddress, &m.Enabled, &m.FreqMinutes, &m.LastScanAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
