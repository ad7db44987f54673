package ratelimit

import (
	"sync"
)

// Default CU costs for the RPC methods the scanner issues, following the
// common provider price lists.
const (
	DefaultCUCost = 20 // Default cost for unknown methods

	CostEthBlockNumber      = 10
	CostEthGetBlockByNumber = 16
	CostEthGetLogs          = 75
	CostEthCall             = 26
)

// RPC method names
const (
	MethodEthBlockNumber      = "eth_blockNumber"
	MethodEthGetBlockByNumber = "eth_getBlockByNumber"
	MethodEthGetLogs          = "eth_getLogs"
	MethodEthCall             = "eth_call"
)

// CostRegistry maps RPC methods to their CU costs.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// NewCostRegistry creates a registry with the default costs. Overrides with
// a non-positive cost are ignored; defaultCost <= 0 keeps DefaultCUCost.
func NewCostRegistry(defaultCost int, overrides map[string]int) *CostRegistry {
	costs := map[string]int{
		MethodEthBlockNumber:      CostEthBlockNumber,
		MethodEthGetBlockByNumber: CostEthGetBlockByNumber,
		MethodEthGetLogs:          CostEthGetLogs,
		MethodEthCall:             CostEthCall,
	}
	for method, cost := range overrides {
		if cost > 0 {
			costs[method] = cost
		}
	}
	if defaultCost <= 0 {
		defaultCost = DefaultCUCost
	}
	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// GetCost returns the CU cost for an RPC method.
// If the method is not known, returns the configured default cost.
func (r *CostRegistry) GetCost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost updates the cost of one method. Non-positive costs are ignored.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.costs[method] = cost
}
