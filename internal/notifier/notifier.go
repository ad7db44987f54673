// Package notifier delivers allowance drift alerts.
package notifier

import (
	"context"
	"time"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
)

// ChangeKind describes how an allowance moved since the previous scan
type ChangeKind string

const (
	// ChangeNew is an approval absent from the previous snapshot
	ChangeNew ChangeKind = "new"
	// ChangeIncreased is an approval whose amount went up
	ChangeIncreased ChangeKind = "increased"
)

// Change is one alert-worthy allowance
type Change struct {
	Kind           ChangeKind        `json:"kind"`
	Allowance      *models.Allowance `json:"allowance"`
	PreviousAmount string            `json:"previousAmount,omitempty"`
}

// DriftAlert groups the changes found for one wallet in one scan
type DriftAlert struct {
	Wallet     string    `json:"wallet"`
	Changes    []Change  `json:"changes"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Notifier delivers drift alerts
type Notifier interface {
	NotifyDrift(ctx context.Context, alert *DriftAlert) error
}

// LogNotifier writes alerts to the structured log. Used when no webhook is configured.
type LogNotifier struct{}

// NotifyDrift implements Notifier
func (LogNotifier) NotifyDrift(ctx context.Context, alert *DriftAlert) error {
	logger := logging.FromContext(ctx).WithWallet(alert.Wallet)
	for _, c := range alert.Changes {
		logger.WithFields(map[string]interface{}{
			"kind":           c.Kind,
			"chain":          c.Allowance.ChainID.String(),
			"token":          c.Allowance.TokenAddress,
			"spender":        c.Allowance.SpenderAddress,
			"amount":         c.Allowance.Amount,
			"previousAmount": c.PreviousAmount,
			"unlimited":      c.Allowance.IsUnlimited,
			"riskScore":      c.Allowance.RiskScore,
		}).Warn("Allowance drift detected")
	}
	return nil
}
