package models

import "time"

// WalletMonitor is a passive-scanning subscription for one wallet
type WalletMonitor struct {
	WalletAddress string     `json:"walletAddress" db:"wallet_address"`
	Enabled       bool       `json:"enabled" db:"enabled"`
	FreqMinutes   int        `json:"freqMinutes" db:"freq_minutes"`
	LastScanAt    *time.Time `json:"lastScanAt,omitempty" db:"last_scan_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsDue reports whether the monitor's interval has elapsed at now.
// Mirrors the SQL selection predicate used by the scheduler.
func (m *WalletMonitor) IsDue(now time.Time) bool {
	if !m.Enabled {
		return false
	}
	if m.LastScanAt == nil {
		return true
	}
	return now.Sub(*m.LastScanAt) > time.Duration(m.FreqMinutes)*time.Minute
}
