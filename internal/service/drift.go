package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/notifier"
	"github.com/allowance-scanner/internal/policy"
	"github.com/allowance-scanner/internal/storage"
)

// SnapshotStore keeps the allowance history drift is measured against
type SnapshotStore interface {
	Latest(ctx context.Context, wallet string) (*storage.AllowanceSnapshot, error)
	Append(ctx context.Context, wallet string, rows []*models.Allowance, at time.Time) error
}

// PolicyReader returns a wallet's alert policy, or the default one
type PolicyReader interface {
	Get(ctx context.Context, wallet string) (*models.AlertPolicy, error)
}

// DriftDetector compares each scan with the previous snapshot and alerts on
// new or increased approvals that pass the wallet's policy
type DriftDetector struct {
	allowances AllowanceReader
	snapshots  SnapshotStore
	policies   PolicyReader
	notifier   notifier.Notifier
	now        func() time.Time
}

// NewDriftDetector creates a new drift detector
func NewDriftDetector(allowances AllowanceReader, snapshots SnapshotStore, policies PolicyReader, n notifier.Notifier) *DriftDetector {
	return &DriftDetector{
		allowances: allowances,
		snapshots:  snapshots,
		policies:   policies,
		notifier:   n,
		now:        time.Now,
	}
}

// CheckDrift alerts on changes since the last snapshot, then records the
// current allowance set as the new snapshot. The first scan of a wallet only
// records. A failed notification leaves the snapshot unwritten so the retry
// alerts again.
func (d *DriftDetector) CheckDrift(ctx context.Context, wallet string) error {
	current, err := d.allowances.ListByWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to list allowances: %w", err)
	}

	prev, err := d.snapshots.Latest(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to load previous snapshot: %w", err)
	}

	now := d.now()
	if prev != nil {
		changes := DiffAllowances(prev.Rows, current)
		if len(changes) > 0 {
			p, err := d.policies.Get(ctx, wallet)
			if err != nil {
				return fmt.Errorf("failed to load alert policy: %w", err)
			}

			alert := &notifier.DriftAlert{
				Wallet:     wallet,
				Changes:    filterChanges(changes, p),
				DetectedAt: now,
			}

			logging.FromContext(ctx).WithWallet(wallet).WithFields(map[string]interface{}{
				"changes":  len(changes),
				"alerting": len(alert.Changes),
			}).Info("Allowance drift detected")

			if len(alert.Changes) > 0 {
				if err := d.notifier.NotifyDrift(ctx, alert); err != nil {
					return fmt.Errorf("failed to send drift alert: %w", err)
				}
			}
		}
	}

	if err := d.snapshots.Append(ctx, wallet, current, now); err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// DiffAllowances returns rows of current that are new or whose amount grew
// relative to prev. Decreases and removals are not drift.
func DiffAllowances(prev, current []*models.Allowance) []notifier.Change {
	before := make(map[models.AllowanceKey]*models.Allowance, len(prev))
	for _, row := range prev {
		before[row.Key()] = row
	}

	var changes []notifier.Change
	for _, row := range current {
		old, ok := before[row.Key()]
		if !ok {
			changes = append(changes, notifier.Change{Kind: notifier.ChangeNew, Allowance: row})
			continue
		}
		if amountGreater(row.Amount, old.Amount) {
			changes = append(changes, notifier.Change{
				Kind:           notifier.ChangeIncreased,
				Allowance:      row,
				PreviousAmount: old.Amount,
			})
		}
	}
	return changes
}

// filterChanges keeps the changes whose rows pass the policy
func filterChanges(changes []notifier.Change, p *models.AlertPolicy) []notifier.Change {
	rows := make([]*models.Allowance, len(changes))
	for i, c := range changes {
		rows[i] = c.Allowance
	}

	keep := make(map[*models.Allowance]bool)
	for _, row := range policy.ApplyPolicy(rows, p) {
		keep[row] = true
	}

	out := make([]notifier.Change, 0, len(keep))
	for _, c := range changes {
		if keep[c.Allowance] {
			out = append(out, c)
		}
	}
	return out
}

// amountGreater compares two decimal uint256 strings. Unparseable amounts
// compare as zero.
func amountGreater(a, b string) bool {
	x, ok := new(big.Int).SetString(a, 10)
	if !ok {
		x = new(big.Int)
	}
	y, ok := new(big.Int).SetString(b, 10)
	if !ok {
		y = new(big.Int)
	}
	return x.Cmp(y) > 0
}
