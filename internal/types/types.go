// Package types provides common type definitions for the allowance scanner system.
package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID is an EVM chain identifier (EIP-155)
type ChainID int64

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = 1
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = 10
	// ChainBNB represents the BNB Chain (BSC)
	ChainBNB ChainID = 56
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = 137
	// ChainBase represents the Base network
	ChainBase ChainID = 8453
	// ChainArbitrum represents the Arbitrum One network
	ChainArbitrum ChainID = 42161
)

var chainNames = map[ChainID]string{
	ChainEthereum: "ethereum",
	ChainOptimism: "optimism",
	ChainBNB:      "bnb",
	ChainPolygon:  "polygon",
	ChainBase:     "base",
	ChainArbitrum: "arbitrum",
}

// String returns the chain's short name, or its numeric id when unknown
func (c ChainID) String() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return strconv.FormatInt(int64(c), 10)
}

// IsKnown reports whether the chain is one the scanner ships defaults for
func (c ChainID) IsKnown() bool {
	_, ok := chainNames[c]
	return ok
}

// ParseChainID accepts either a numeric chain id ("42161") or a short name ("arbitrum")
func ParseChainID(s string) (ChainID, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty chain id")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid chain id: %s", s)
		}
		return ChainID(n), nil
	}
	for id, name := range chainNames {
		if name == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown chain: %s", s)
}

// KnownChains returns all chains with built-in names, sorted by id
func KnownChains() []ChainID {
	chains := make([]ChainID, 0, len(chainNames))
	for id := range chainNames {
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// JobType tags the payload variant carried by a job
type JobType string

const (
	// JobTypeScanWallet refreshes a wallet's allowances across a set of chains
	JobTypeScanWallet JobType = "scan_wallet"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	// JobStatusPending represents a job waiting to be claimed
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning represents a job claimed by a worker
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded represents a successfully completed job
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed represents a job that exhausted its attempts
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal reports whether no transition leaves this status
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// IsActive reports whether the job still occupies its wallet's active slot
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// NormalizeAddress returns the canonical lowercase form of an address
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// IsValidAddress checks for a 0x-prefixed 20-byte hex address
func IsValidAddress(address string) bool {
	address = strings.TrimSpace(address)
	return strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
