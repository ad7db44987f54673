package models

import (
	"time"

	"github.com/allowance-scanner/internal/types"
)

// AlertPolicy narrows which allowance rows are alert-worthy for a wallet.
// The zero value is the default policy: everything passes.
type AlertPolicy struct {
	WalletAddress   string          `json:"walletAddress" db:"wallet_address"`
	MinRiskScore    float64         `json:"minRiskScore" db:"min_risk_score"`
	UnlimitedOnly   bool            `json:"unlimitedOnly" db:"unlimited_only"`
	IncludeSpenders []string        `json:"includeSpenders" db:"include_spenders"`
	IgnoreSpenders  []string        `json:"ignoreSpenders" db:"ignore_spenders"`
	IncludeTokens   []string        `json:"includeTokens" db:"include_tokens"`
	IgnoreTokens    []string        `json:"ignoreTokens" db:"ignore_tokens"`
	Chains          []types.ChainID `json:"chains" db:"chains"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// DefaultAlertPolicy returns the policy used when a wallet has none stored
func DefaultAlertPolicy(wallet string) *AlertPolicy {
	return &AlertPolicy{
		WalletAddress:   types.NormalizeAddress(wallet),
		IncludeSpenders: []string{},
		IgnoreSpenders:  []string{},
		IncludeTokens:   []string{},
		IgnoreTokens:    []string{},
		Chains:          []types.ChainID{},
	}
}
