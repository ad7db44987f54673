package models

import (
	"time"

	"github.com/allowance-scanner/internal/types"
)

// Allowance is one ERC-20 approval granted by a wallet to a spender on a chain
type Allowance struct {
	WalletAddress  string        `json:"walletAddress" db:"wallet_address"`
	ChainID        types.ChainID `json:"chainId" db:"chain_id"`
	TokenAddress   string        `json:"tokenAddress" db:"token_address"`
	SpenderAddress string        `json:"spenderAddress" db:"spender_address"`
	Amount         string        `json:"amount" db:"amount"` // raw uint256 as decimal string
	IsUnlimited    bool          `json:"isUnlimited" db:"is_unlimited"`
	RiskScore      float64       `json:"riskScore" db:"risk_score"`
	TokenSymbol    *string       `json:"tokenSymbol,omitempty" db:"token_symbol"`
	SpenderLabel   *string       `json:"spenderLabel,omitempty" db:"spender_label"`
	ApprovedBlock  uint64        `json:"approvedBlock" db:"approved_block"`
	ApprovedAt     *time.Time    `json:"approvedAt,omitempty" db:"approved_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
}

// Key identifies an allowance independent of its amount
type AllowanceKey struct {
	ChainID types.ChainID
	Token   string
	Spender string
}

// Key returns the allowance's identity
func (a *Allowance) Key() AllowanceKey {
	return AllowanceKey{
		ChainID: a.ChainID,
		Token:   types.NormalizeAddress(a.TokenAddress),
		Spender: types.NormalizeAddress(a.SpenderAddress),
	}
}
